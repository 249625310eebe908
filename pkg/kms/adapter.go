package kms

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"golang.org/x/crypto/chacha20poly1305"
)

// Reference prefixes understood by Resolve. A value without one of these
// prefixes is a literal.
const (
	PrefixVault  = "vault:"
	PrefixAWSSM  = "aws-sm:"
	PrefixAWSKMS = "aws-kms:"
	PrefixSealed = "sealed:"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrBadReference        = errors.New("malformed secret reference")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

type kvReader interface {
	Read(ctx context.Context, path, field string) (string, error)
}
type secretStore interface {
	GetSecret(ctx context.Context, id string) (string, error)
}
type decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
type awsClient interface {
	secretStore
	decrypter
}

// Adapter resolves secret references found in the environment:
//
//	vault:<path>#<field>   KV read via VAULT_ADDR and VAULT_TOKEN or VAULT_TOKEN_FILE
//	aws-sm:<secret id>     AWS Secrets Manager
//	aws-kms:<base64 blob>  AWS KMS decrypt
//	sealed:<base64 blob>   XChaCha20-Poly1305 under SECRETS_LOCAL_KEY
//
// Backends are dialled on first use, so a deployment with only literal
// secrets never talks to Vault or AWS.
type Adapter struct {
	mu    sync.Mutex
	vault kvReader
	aws   awsClient
	local decrypter

	dialVault func(ctx context.Context) (kvReader, error)
	dialAWS   func(ctx context.Context) (awsClient, error)
	localKey  func() string
}

func NewAdapter() *Adapter {
	return &Adapter{
		dialVault: func(ctx context.Context) (kvReader, error) { return newVaultProvider(ctx) },
		dialAWS:   func(ctx context.Context) (awsClient, error) { return newAWSProvider(ctx) },
		localKey:  func() string { return os.Getenv("SECRETS_LOCAL_KEY") },
	}
}

func (a *Adapter) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, PrefixVault):
		path, field, ok := strings.Cut(strings.TrimPrefix(ref, PrefixVault), "#")
		if !ok || path == "" || field == "" {
			return "", fmt.Errorf("%w: want vault:<path>#<field>", ErrBadReference)
		}
		v, err := a.vaultClient(ctx)
		if err != nil {
			return "", err
		}
		return v.Read(ctx, path, field)
	case strings.HasPrefix(ref, PrefixAWSSM):
		id := strings.TrimPrefix(ref, PrefixAWSSM)
		if id == "" {
			return "", fmt.Errorf("%w: empty secret id", ErrBadReference)
		}
		c, err := a.awsClient(ctx)
		if err != nil {
			return "", err
		}
		return c.GetSecret(ctx, id)
	case strings.HasPrefix(ref, PrefixAWSKMS):
		blob, err := decodeBlob(strings.TrimPrefix(ref, PrefixAWSKMS))
		if err != nil {
			return "", err
		}
		c, err := a.awsClient(ctx)
		if err != nil {
			return "", err
		}
		pt, err := c.Decrypt(ctx, blob)
		if err != nil {
			return "", err
		}
		return string(pt), nil
	case strings.HasPrefix(ref, PrefixSealed):
		blob, err := decodeBlob(strings.TrimPrefix(ref, PrefixSealed))
		if err != nil {
			return "", err
		}
		l, err := a.localProvider()
		if err != nil {
			return "", err
		}
		pt, err := l.Decrypt(ctx, blob)
		if err != nil {
			return "", err
		}
		return string(pt), nil
	default:
		return ref, nil
	}
}

func decodeBlob(s string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(blob) == 0 {
		return nil, fmt.Errorf("%w: ciphertext must be non-empty base64", ErrBadReference)
	}
	return blob, nil
}

func (a *Adapter) vaultClient(ctx context.Context) (kvReader, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.vault == nil {
		v, err := a.dialVault(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: vault: %v", ErrProviderUnavailable, err)
		}
		a.vault = v
	}
	return a.vault, nil
}

func (a *Adapter) awsClient(ctx context.Context) (awsClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aws == nil {
		c, err := a.dialAWS(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: aws: %v", ErrProviderUnavailable, err)
		}
		a.aws = c
	}
	return a.aws, nil
}

func (a *Adapter) localProvider() (decrypter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil {
		l, err := newLocalProvider(a.localKey())
		if err != nil {
			return nil, err
		}
		a.local = l
	}
	return a.local, nil
}

type vaultProvider struct {
	client *vault.Client
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{client: client}, nil
}

// Read handles both KV versions: v2 nests the fields under "data".
func (v *vaultProvider) Read(ctx context.Context, path, field string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", path)
	}
	fields := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		fields = nested
	}
	value, ok := fields[field].(string)
	if !ok {
		return "", fmt.Errorf("vault: field %q not found in %s", field, path)
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region := os.Getenv("AWS_REGION"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
	}, nil
}

func (a *awsProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	result, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, id string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type localProvider struct {
	key []byte
}

func parseLocalKey(key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: SECRETS_LOCAL_KEY is not set", ErrProviderUnavailable)
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("SECRETS_LOCAL_KEY must be base64-encoded: %w", err)
	}
	if len(decoded) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("SECRETS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	return decoded, nil
}

func newLocalProvider(key string) (*localProvider, error) {
	k, err := parseLocalKey(key)
	if err != nil {
		return nil, err
	}
	return &localProvider{key: k}, nil
}

func (l *localProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(l.key)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	pt, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// Seal produces a sealed: reference for plaintext under the base64 key.
func Seal(key string, plaintext []byte) (string, error) {
	k, err := parseLocalKey(key)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return PrefixSealed + base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plaintext, nil)), nil
}
