package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"sockpaste/cfg"
	"sockpaste/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const liveKeyPrefix = "sockpaste:live:"

// Notifier mirrors paste lifecycle into Redis: a live key per paste that
// expires with it, plus a pub/sub message per event so caching proxies can
// purge at expiry.
type Notifier struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

func NewNotifier(c cfg.RedisCfg) (*Notifier, error) {
	opt, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 4
	opt.MinIdleConns = 1
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	opt.DialTimeout = c.Timeout
	if c.TLS {
		tlsConfig, err := buildRedisTLSConfig(opt, c.CACert)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.Username != "" {
		opt.Username = c.Username
	}
	if c.Password.Value() != "" {
		opt.Password = c.Password.Value()
	}
	client := redis.NewClient(opt)
	n := &Notifier{client: client, channel: c.Channel, timeout: c.Timeout}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Ping(pingCtx); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return n, nil
}

func buildRedisTLSConfig(opt *redis.Options, caPath string) (*tls.Config, error) {
	tlsConfig := opt.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tlsConfig.MinVersion = tls.VersionTLS12
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(opt.Addr); err == nil {
			tlsConfig.ServerName = host
		}
	}
	if caPath != "" {
		caCert, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func (n *Notifier) Name() string { return "redis" }

func encodeEvent(ev domain.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	return data, errors.Wrap(err, "marshal event")
}

func (n *Notifier) Publish(ctx context.Context, ev domain.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	_, err = n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch ev.Type {
		case domain.EventCreated:
			if ttl := time.Until(ev.Expiry); ttl > 0 {
				pipe.Set(ctx, liveKeyPrefix+ev.ID, ev.URL, ttl)
			}
		case domain.EventExpired:
			pipe.Del(ctx, liveKeyPrefix+ev.ID)
		}
		pipe.Publish(ctx, n.channel, data)
		return nil
	})
	return errors.Wrap(err, "publish event")
}

func (n *Notifier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.client.Ping(ctx).Err()
}

func (n *Notifier) Close() error {
	if n.client != nil {
		return n.client.Close()
	}
	return nil
}
