package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/auth"
	"accessgov/pkg/hardening"
	"accessgov/pkg/identity"
	"accessgov/pkg/lifecycle"
	"accessgov/pkg/metrics"
	"accessgov/pkg/models"
	"accessgov/pkg/policystore"
	"accessgov/pkg/provision"
	"accessgov/pkg/ratelimit"
	"accessgov/pkg/statebus"
	"accessgov/pkg/store"
	"accessgov/pkg/stream"
	"accessgov/pkg/telemetry"
	"accessgov/pkg/workflow"

	"github.com/redis/go-redis/v9"
)

// Backend is the persistence selected by STORAGE.
type Backend struct {
	Policies policystore.Store
	Repo     store.Repo
	Audit    audit.Log
	Close    func()
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openBackendFn   func(context.Context, audit.Builder) (*Backend, error)
	listenFn        func(*http.Server) error
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runAccessd(ctx, initTelemetryFn, openBackendFn, listenFn); err != nil {
		logFatalf("accessd: %v", err)
	}
}

func runAccessd(
	ctx context.Context,
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openBackend func(context.Context, audit.Builder) (*Backend, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openBackend == nil {
		openBackend = backendFromEnv
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	if err := hardening.ValidateProduction(hardening.OptionsFromEnv("accessd", requiredSecrets()...)); err != nil {
		return err
	}
	authMode := env("AUTH_MODE", auth.ModeHeader)
	if !auth.ValidMode(authMode) {
		return fmt.Errorf("unsupported AUTH_MODE %q", authMode)
	}
	if authMode == auth.ModeHeader && hardening.IsProductionLike(env("ENVIRONMENT", "")) && env("TRUSTED_PROXY_AUTH", "false") != "true" {
		return errors.New("AUTH_MODE=header in production requires TRUSTED_PROXY_AUTH=true")
	}

	shutdown, err := initTelemetry(ctx, "accessd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	builder := audit.Builder{Redact: env("AUDIT_REDACT", "false") == "true", HashSalt: []byte(env("AUDIT_HASH_SALT", ""))}
	backend, err := openBackend(ctx, builder)
	if err != nil {
		return err
	}
	if backend.Close != nil {
		defer backend.Close()
	}

	var redisClient *redis.Client
	if env("REDIS_URL", "") != "" || env("REDIS_ADDR", "") != "" {
		client, err := store.NewRedis(ctx)
		if err != nil {
			log.Printf("accessd redis unavailable, using in-process cache: %v", err)
		} else {
			redisClient = client
			defer client.Close()
		}
	}
	cache := store.NewCache(ctx, redisClient)

	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	deps, err := collaboratorsFromEnv(cache)
	if err != nil {
		return err
	}
	defer deps.close()

	sinks := workflow.Sinks{hub}
	if deps.auditBus != nil {
		sinks = append(sinks, provision.BusSink{Publisher: deps.auditBus})
	}
	engine := &workflow.Engine{
		Policies:             backend.Policies,
		Repo:                 backend.Repo,
		Directory:            deps.directory,
		Provisioner:          deps.provisioner,
		Notifier:             deps.notifier,
		Sink:                 sinks,
		Audit:                builder,
		Metrics:              reg,
		MaxEscalations:       envInt("MAX_ESCALATIONS", 3),
		ProvisionRetryBudget: envInt("PROVISION_RETRY_BUDGET", 5),
	}
	if path := env("POLICY_BUNDLE", ""); path != "" {
		if err := seedPolicies(ctx, backend.Policies, path); err != nil {
			return err
		}
	}

	scheduler := &lifecycle.Scheduler{
		Engine:  engine,
		Lock:    cache,
		Metrics: reg,
		Workers: envInt("SCHEDULER_WORKERS", 4),
		LockTTL: envDurationSec("SCHEDULER_LOCK_TTL_SEC", 120),
	}

	var limiter ratelimit.Limiter = ratelimit.NewInMemory(time.Minute)
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, time.Minute)
	}

	s := &Server{
		Engine:              engine,
		Policies:            backend.Policies,
		Audit:               backend.Audit,
		Hub:                 hub,
		Scheduler:           scheduler,
		Metrics:             reg,
		Limiter:             limiter,
		SubmitRateLimit:     envInt("SUBMIT_RATE_LIMIT", 30),
		AdminRole:           env("ADMIN_ROLE", "access-admin"),
		AuditorRole:         env("AUDITOR_ROLE", "auditor"),
		AuthMode:            authMode,
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		AuthOptions: []auth.MiddlewareOption{
			auth.WithJWKS(env("OIDC_JWKS_URL", "")),
			auth.WithIssuer(env("OIDC_ISSUER", "")),
			auth.WithAudience(env("OIDC_AUDIENCE", "")),
			auth.WithTimeout(time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
		},
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		WSOrigins:           stream.OriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go scheduler.Run(bgCtx, envDurationSec("SCHEDULER_INTERVAL_SEC", 60))
	go runRetention(bgCtx, backend.Audit, envDurationSec("AUDIT_RETENTION_INTERVAL_SEC", 3600), time.Now)
	if deps.sync != nil {
		go func() {
			if err := deps.sync.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("accessd identity sync: %v", err)
			}
		}()
	}

	addr := env("ADDR", ":8080")
	log.Printf("accessd listening on %s (storage=%s auth=%s)", addr, env("STORAGE", "memory"), authMode)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requiredSecrets() []string {
	var out []string
	if env("PROVISIONER_URL", "") != "" {
		out = append(out, "PROVISIONER_TOKEN")
	}
	if env("AUTH_MODE", "") == auth.ModeOIDCHS256 {
		out = append(out, "OIDC_HS256_SECRET")
	}
	return out
}

func backendFromEnv(ctx context.Context, b audit.Builder) (*Backend, error) {
	switch storage := strings.ToLower(env("STORAGE", "memory")); storage {
	case "memory":
		logs := audit.NewMemoryLog()
		return &Backend{
			Policies: policystore.NewMemoryStore(logs, b),
			Repo:     store.NewMemoryRepo(logs),
			Audit:    logs,
		}, nil
	case "postgres":
		pool, err := store.OpenPool(ctx, store.PoolConfigFromEnv())
		if err != nil {
			return nil, err
		}
		return &Backend{
			Policies: &policystore.PostgresStore{DB: pool, Builder: b, Now: time.Now},
			Repo:     &store.PostgresRepo{DB: pool},
			Audit:    &audit.Writer{DB: pool},
			Close:    pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported STORAGE %q", storage)
	}
}

type collaborators struct {
	directory   workflow.Directory
	provisioner workflow.Provisioner
	notifier    workflow.Notifier
	auditBus    statebus.Publisher
	sync        *identity.Sync
	closers     []func() error
}

func (c *collaborators) close() {
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			log.Printf("accessd close: %v", err)
		}
	}
}

func collaboratorsFromEnv(cache store.Cache) (*collaborators, error) {
	c := &collaborators{}
	static := identity.NewStaticDirectory()
	if path := env("DIRECTORY_FILE", ""); path != "" {
		loaded, err := identity.LoadFile(path)
		if err != nil {
			return nil, err
		}
		static = loaded
	}
	cached := &identity.CachedDirectory{Source: static, Cache: cache, TTL: envDurationSec("DIRECTORY_CACHE_TTL_SEC", 300)}
	c.directory = cached

	if url := env("PROVISIONER_URL", ""); url != "" {
		c.provisioner = provision.NewHTTP(url, env("PROVISIONER_TOKEN", ""))
	} else {
		c.provisioner = provision.NewMemory()
	}
	c.notifier = provision.LogNotifier{}

	brokers := statebus.SplitBrokers(env("KAFKA_BROKERS", ""))
	if len(brokers) == 0 {
		return c, nil
	}
	if topic := env("KAFKA_NOTIFY_TOPIC", ""); topic != "" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{Brokers: brokers, Topic: topic})
		if err != nil {
			return nil, err
		}
		c.notifier = provision.BusNotifier{Publisher: pub}
		c.closers = append(c.closers, pub.Close)
	}
	if topic := env("KAFKA_AUDIT_TOPIC", ""); topic != "" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{Brokers: brokers, Topic: topic})
		if err != nil {
			return nil, err
		}
		c.auditBus = pub
		c.closers = append(c.closers, pub.Close)
	}
	if topic := env("KAFKA_DIRECTORY_TOPIC", ""); topic != "" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: env("KAFKA_GROUP_ID", "accessd"),
		})
		if err != nil {
			return nil, err
		}
		c.sync = &identity.Sync{Consumer: consumer, Directory: static, Cache: cached}
		c.closers = append(c.closers, consumer.Close)
	}
	return c, nil
}

// seedPolicies publishes the bundle entries whose key has no version yet, so
// restarts do not mint new versions of unchanged policies.
func seedPolicies(ctx context.Context, s policystore.Store, path string) error {
	bundle, err := policystore.LoadBundle(path)
	if err != nil {
		return fmt.Errorf("load policy bundle: %w", err)
	}
	fresh := models.PolicyBundle{Metadata: bundle.Metadata}
	for _, p := range bundle.AccessPolicies {
		_, err := s.Latest(ctx, p.Key())
		switch {
		case errors.Is(err, accesserr.ErrPolicyNotFound):
			fresh.AccessPolicies = append(fresh.AccessPolicies, p)
		case err != nil:
			return err
		}
	}
	if len(fresh.AccessPolicies) == 0 {
		return nil
	}
	published, err := policystore.PublishBundle(ctx, s, fresh, "system")
	if err != nil {
		return err
	}
	log.Printf("accessd seeded %d policies from %s", len(published), path)
	return nil
}

// runRetention purges audit events whose retention window has passed.
func runRetention(ctx context.Context, logs audit.Log, interval time.Duration, now func() time.Time) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := logs.Purge(ctx, now().UTC())
			if err != nil {
				log.Printf("accessd audit purge: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("accessd audit purge: removed %d events", n)
			}
		}
	}
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(env(k, "")); err == nil {
		return n
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
