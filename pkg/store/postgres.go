package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

var newPool = pgxpool.NewWithConfig

// PoolConfig is how the service and the migrator reach Postgres.
type PoolConfig struct {
	DSN              string
	RequireTLS       bool
	MaxConns         int
	MinConns         int
	MaxConnIdle      time.Duration
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	// Attempts bounds the dial-and-ping loop while the database comes up.
	Attempts   int
	RetryDelay time.Duration
}

// PoolConfigFromEnv reads DATABASE_URL, or assembles a DSN from the
// DATABASE_USER/HOST/PORT/NAME/SSLMODE parts and POSTGRES_PASSWORD, plus the
// DB_* pool knobs.
func PoolConfigFromEnv() PoolConfig {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = dsnFromParts()
	}
	return PoolConfig{
		DSN:              dsn,
		RequireTLS:       envBool("DATABASE_REQUIRE_TLS"),
		MaxConns:         envInt("DB_MAX_CONNS", 10),
		MinConns:         envInt("DB_MIN_CONNS", 1),
		MaxConnIdle:      envSeconds("DB_MAX_CONN_IDLE_SEC", 300),
		ConnectTimeout:   envSeconds("DB_CONNECT_TIMEOUT_SEC", 5),
		StatementTimeout: envSeconds("DB_STATEMENT_TIMEOUT_SEC", 30),
		Attempts:         envInt("DB_CONNECT_ATTEMPTS", 30),
		RetryDelay:       envSeconds("DB_CONNECT_RETRY_SEC", 2),
	}
}

func (c PoolConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DSN, validation.Required, validation.By(func(any) error {
			if c.RequireTLS {
				return verifiedTLS(c.DSN)
			}
			return nil
		})),
		validation.Field(&c.MaxConns, validation.Required, validation.Max(500)),
		validation.Field(&c.MinConns, validation.Min(0), validation.Max(c.MaxConns)),
		validation.Field(&c.Attempts, validation.Required),
	)
}

func (c PoolConfig) pgxConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	params := cfg.ConnConfig.RuntimeParams
	if params == nil {
		params = map[string]string{}
		cfg.ConnConfig.RuntimeParams = params
	}
	params["application_name"] = "accessgov"
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	if c.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = c.ConnectTimeout
	}
	cfg.MaxConns = int32(c.MaxConns)
	cfg.MinConns = int32(c.MinConns)
	if c.MaxConnIdle > 0 {
		cfg.MaxConnIdleTime = c.MaxConnIdle
	}
	return cfg, nil
}

// OpenPool connects and pings, retrying until c.Attempts is spent or ctx ends.
func OpenPool(ctx context.Context, c PoolConfig) (*pgxpool.Pool, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	cfg, err := c.pgxConfig()
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= c.Attempts; attempt++ {
		pool, err := newPool(ctx, cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout())
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		if attempt == c.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("postgres connect: %w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(c.RetryDelay):
		}
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", c.Attempts, lastErr)
}

func (c PoolConfig) pingTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 2 * time.Second
}

func dsnFromParts() string {
	port := envString("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   envString("DATABASE_HOST", "localhost") + ":" + port,
		Path:   "/" + envString("DATABASE_NAME", "accessgov"),
	}
	user := envString("DATABASE_USER", "accessgov")
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		u.User = url.UserPassword(user, pw)
	} else {
		u.User = url.User(user)
	}
	u.RawQuery = url.Values{"sslmode": {envString("DATABASE_SSLMODE", "disable")}}.Encode()
	return u.String()
}

// verifiedTLS accepts only sslmodes that refuse a plaintext fallback.
func verifiedTLS(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(u.Query().Get("sslmode")); mode {
	case "require", "verify-ca", "verify-full":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS needs an explicit sslmode")
	default:
		return fmt.Errorf("sslmode=%s is insecure under DATABASE_REQUIRE_TLS", mode)
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
