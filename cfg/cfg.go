package cfg

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	SocketPath          string
	SocketMode          os.FileMode
	PasteDir            string
	Workers             int
	Host                string
	Expiry              time.Duration
	MaxPasteSizeKB      int
	Timeout             time.Duration
	TotalTimeout        time.Duration
	IDLower             int
	IDUpper             int
	IDMaxAttempts       int
	IDGrowAfter         int
	IDQuarantineSize    int
	TalkProxy           bool
	PurgeOnStart        bool
	DeleteAttempts      int
	ExpiryRetryInterval time.Duration
	Environment         string
	LogLevel            string
	AdminAddr           string
	MetricsUser         string
	MetricsPass         Secret
	LedgerPath          string
	Redis               RedisCfg
}

type RedisCfg struct {
	URL      string
	TLS      bool
	Username string
	Password Secret
	Timeout  time.Duration
	Channel  string
	CACert   string
}

// MaxPasteBytes is the hard cap in bytes (KiB based).
func (c *Cfg) MaxPasteBytes() int {
	return c.MaxPasteSizeKB * 1024
}

// BaseURL returns HOST with a scheme, defaulting to https.
func (c *Cfg) BaseURL() string {
	h := strings.TrimRight(c.Host, "/")
	if strings.Contains(h, "://") {
		return h
	}
	return "https://" + h
}

// Load reads configuration from the environment. When ENV_FILE is set the
// named dotenv file is loaded first; variables already present win.
func Load() (*Cfg, error) {
	if f := getEnv("ENV_FILE", ""); f != "" {
		if err := godotenv.Load(f); err != nil {
			return nil, errors.Wrapf(err, "load ENV_FILE %s", f)
		}
	}
	c := &Cfg{}
	var err error
	c.SocketPath = getEnv("SOCKET_PATH", "/run/sockpaste/paste.sock")
	c.SocketMode, err = getFileMode("SOCKET_MODE", 0o660)
	if err != nil {
		return nil, err
	}
	c.PasteDir = getEnv("PASTE_DIR", "/var/lib/sockpaste")
	c.Workers, err = getInt("WORKERS", 2)
	if err != nil {
		return nil, err
	}
	c.Host = getEnv("HOST", "http://localhost")
	expirySec, err := getInt("EXPIRY_SECONDS", 240)
	if err != nil {
		return nil, err
	}
	c.Expiry = time.Duration(expirySec) * time.Second
	c.MaxPasteSizeKB, err = getInt("MAX_PASTE_SIZE_KB", 500)
	if err != nil {
		return nil, err
	}
	timeoutMS, err := getInt("TIMEOUT_MS", 2000)
	if err != nil {
		return nil, err
	}
	c.Timeout = time.Duration(timeoutMS) * time.Millisecond
	totalMS, err := getInt("TOTAL_TIMEOUT_MS", 30000)
	if err != nil {
		return nil, err
	}
	c.TotalTimeout = time.Duration(totalMS) * time.Millisecond
	c.IDLower, err = getInt("ID_LOWER", 5)
	if err != nil {
		return nil, err
	}
	c.IDUpper, err = getInt("ID_UPPER", 10)
	if err != nil {
		return nil, err
	}
	c.IDMaxAttempts, err = getInt("ID_MAX_ATTEMPTS", 16)
	if err != nil {
		return nil, err
	}
	c.IDGrowAfter, err = getInt("ID_GROW_AFTER", 4)
	if err != nil {
		return nil, err
	}
	c.IDQuarantineSize, err = getInt("ID_QUARANTINE_SIZE", 1024)
	if err != nil {
		return nil, err
	}
	c.TalkProxy, err = getBool("TALK_PROXY", false)
	if err != nil {
		return nil, err
	}
	c.PurgeOnStart, err = getBool("PURGE_ON_START", false)
	if err != nil {
		return nil, err
	}
	c.DeleteAttempts, err = getInt("DELETE_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	c.ExpiryRetryInterval, err = getDuration("EXPIRY_RETRY_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	c.Environment = getEnv("ENVIRONMENT", "production")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.AdminAddr = getEnv("ADMIN_ADDR", "")
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.LedgerPath = getEnv("LEDGER_PATH", "")
	c.Redis.URL = getEnv("REDIS_URL", "")
	c.Redis.TLS, err = getBool("REDIS_TLS", false)
	if err != nil {
		return nil, err
	}
	c.Redis.Username = getEnv("REDIS_USERNAME", "")
	c.Redis.Password = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.Redis.Timeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.Redis.Channel = getEnv("REDIS_CHANNEL", "sockpaste:events")
	c.Redis.CACert = getEnv("REDIS_TLS_CA_CERT", "")
	return c, nil
}

// Deletion retries run inline on the expiry loop; at 1s per capped backoff
// this bounds how long one failing deadline can delay the others.
const maxDeleteAttempts = 10

func Validate(c *Cfg) error {
	if c.SocketPath == "" {
		return errors.New("SOCKET_PATH is required")
	}
	if c.PasteDir == "" {
		return errors.New("PASTE_DIR is required")
	}
	if c.Workers < 1 || c.Workers > 1024 {
		return errors.New("WORKERS must be between 1 and 1024")
	}
	if c.Host == "" {
		return errors.New("HOST is required")
	}
	if _, err := url.Parse(c.BaseURL()); err != nil {
		return fmt.Errorf("invalid HOST: %w", err)
	}
	if c.Expiry < time.Second {
		return errors.New("EXPIRY_SECONDS must be at least 1")
	}
	if c.MaxPasteSizeKB < 1 {
		return errors.New("MAX_PASTE_SIZE_KB must be positive")
	}
	if c.MaxPasteSizeKB > 100*1024 {
		return errors.New("MAX_PASTE_SIZE_KB cannot exceed 102400 (100MiB)")
	}
	if c.Timeout <= 0 {
		return errors.New("TIMEOUT_MS must be positive")
	}
	if c.TotalTimeout < 0 {
		return errors.New("TOTAL_TIMEOUT_MS cannot be negative")
	}
	if c.IDLower < 1 {
		return errors.New("ID_LOWER must be at least 1")
	}
	if c.IDUpper < c.IDLower {
		return errors.New("ID_UPPER must be >= ID_LOWER")
	}
	if c.IDUpper > 64 {
		return errors.New("ID_UPPER cannot exceed 64")
	}
	if c.IDMaxAttempts < 1 {
		return errors.New("ID_MAX_ATTEMPTS must be at least 1")
	}
	if c.IDGrowAfter < 1 {
		return errors.New("ID_GROW_AFTER must be at least 1")
	}
	if c.IDQuarantineSize < 0 || c.IDQuarantineSize > 1_000_000 {
		return errors.New("ID_QUARANTINE_SIZE must be between 0 and 1000000")
	}
	if c.DeleteAttempts < 1 || c.DeleteAttempts > maxDeleteAttempts {
		return errors.Errorf("DELETE_ATTEMPTS must be between 1 and %d", maxDeleteAttempts)
	}
	if c.ExpiryRetryInterval < time.Second {
		return errors.New("EXPIRY_RETRY_INTERVAL must be at least 1s")
	}
	if c.LedgerPath != "" {
		absLedger, err := filepath.Abs(c.LedgerPath)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_PATH: %w", err)
		}
		absPastes, err := filepath.Abs(c.PasteDir)
		if err != nil {
			return fmt.Errorf("invalid PASTE_DIR: %w", err)
		}
		if strings.HasPrefix(absLedger, absPastes+string(filepath.Separator)) {
			return errors.New("LEDGER_PATH must not be inside PASTE_DIR")
		}
	}
	if c.Redis.URL != "" {
		if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.Redis.URL, "rediss://") && !c.Redis.TLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.Redis.Channel == "" {
			return errors.New("REDIS_CHANNEL is required when REDIS_URL is set")
		}
	}
	if c.Environment == "production" && c.AdminAddr != "" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production when ADMIN_ADDR is set")
		}
	}
	return nil
}

type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets swaps secret references (vault:, aws-sm:, sealed: ...) for
// their values. Literal secrets pass through untouched.
func ResolveSecrets(ctx context.Context, c *Cfg, r SecretResolver) error {
	secrets := []struct {
		name string
		s    *Secret
	}{
		{"METRICS_PASS", &c.MetricsPass},
		{"REDIS_PASSWORD", &c.Redis.Password},
	}
	for _, sec := range secrets {
		ref := sec.s.Value()
		if ref == "" {
			continue
		}
		v, err := r.Resolve(ctx, ref)
		if err != nil {
			return errors.Wrapf(err, "resolve %s", sec.name)
		}
		if v != ref {
			sec.s.Wipe()
			*sec.s = NewSecret(v)
		}
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.MetricsPass.Wipe()
	c.Redis.Password.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getBool(key string, fallback bool) (bool, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return v, nil
}
func getFileMode(key string, fallback os.FileMode) (os.FileMode, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode for %s: %w", key, err)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("%s must be <= 0777", key)
	}
	return os.FileMode(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
