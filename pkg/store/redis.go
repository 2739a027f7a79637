package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects to REDIS_URL, or to REDIS_ADDR/REDIS_PASSWORD/REDIS_DB,
// and pings the server once.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	opts, err := redisOptionsFromEnv()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func redisOptionsFromEnv() (*redis.Options, error) {
	var opts *redis.Options
	if raw := strings.TrimSpace(os.Getenv("REDIS_URL")); raw != "" {
		parsed, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		opts = &redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		}
	}
	tlsConfig, err := redisTLSFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}
	if envBool("REDIS_REQUIRE_TLS") && opts.TLSConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but neither REDIS_TLS nor a rediss:// URL is configured")
	}
	return opts, nil
}

func redisTLSFromEnv() (*tls.Config, error) {
	if !envTrue("REDIS_TLS") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if envTrue("REDIS_TLS_INSECURE") {
		if !envTrue("REDIS_ALLOW_INSECURE_TLS") {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	cfg.ServerName = strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	if caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	switch {
	case certFile == "" && keyFile == "":
	case certFile == "" || keyFile == "":
		return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	default:
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func envTrue(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}
