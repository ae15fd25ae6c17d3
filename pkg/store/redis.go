package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisPingTimeout = 2 * time.Second

// NewRedis dials the shard B / gate-state store and verifies it answers PING.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	opts, err := RedisOptionsFromEnv()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisOptionsFromEnv prefers REDIS_URL (redis:// or rediss://) and otherwise
// assembles options from REDIS_ADDR, REDIS_PASSWORD and REDIS_DB. REDIS_TLS_*
// settings layer onto either source.
func RedisOptionsFromEnv() (*redis.Options, error) {
	return redisOptions(os.Getenv)
}

func redisOptions(env func(string) string) (*redis.Options, error) {
	var opts *redis.Options
	if raw := strings.TrimSpace(env("REDIS_URL")); raw != "" {
		parsed, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: strings.TrimSpace(env("REDIS_ADDR")), Password: env("REDIS_PASSWORD")}
		if opts.Addr == "" {
			opts.Addr = "localhost:6379"
		}
		if db, err := strconv.Atoi(strings.TrimSpace(env("REDIS_DB"))); err == nil && db >= 0 {
			opts.DB = db
		}
	}
	tlsConfig, err := redisTLS(env, opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsConfig
	if truthy(env("REDIS_REQUIRE_TLS")) && opts.TLSConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but neither REDIS_TLS nor a rediss:// REDIS_URL is configured")
	}
	if opts.ClientName == "" {
		opts.ClientName = "zerokeep-shard-b"
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}
	return opts, nil
}

// redisTLS extends base (set by a rediss:// URL) or starts fresh when
// REDIS_TLS=true. It returns nil when neither applies.
func redisTLS(env func(string) string, base *tls.Config) (*tls.Config, error) {
	var cfg *tls.Config
	switch {
	case base != nil:
		cfg = base.Clone()
	case strings.EqualFold(strings.TrimSpace(env("REDIS_TLS")), "true"):
		cfg = &tls.Config{}
	default:
		return nil, nil
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if truthy(env("REDIS_TLS_INSECURE")) {
		if !truthy(env("REDIS_ALLOW_INSECURE_TLS")) {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if name := strings.TrimSpace(env("REDIS_TLS_SERVER_NAME")); name != "" {
		cfg.ServerName = name
	}
	if caFile := strings.TrimSpace(env("REDIS_TLS_CA_CERT_FILE")); caFile != "" {
		pem, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(env("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(env("REDIS_TLS_KEY_FILE"))
	if certFile == "" && keyFile == "" {
		return cfg, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}
