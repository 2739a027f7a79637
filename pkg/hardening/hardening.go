package hardening

import (
	"fmt"
	"os"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

// Options is the deployment surface checked before a service starts serving.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	Storage                string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	CORSAllowedOrigins     string
	AuditRedact            string
	AuditHashSalt          string
	RequiredServiceSecrets []EnvRequirement
}

// OptionsFromEnv collects Options for service from the process environment.
func OptionsFromEnv(service string, secrets ...string) Options {
	o := Options{
		Service:            service,
		Environment:        os.Getenv("ENVIRONMENT"),
		StrictProdSecurity: os.Getenv("STRICT_PROD_SECURITY"),
		Storage:            os.Getenv("STORAGE"),
		DatabaseRequireTLS: os.Getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:          firstNonEmpty(os.Getenv("REDIS_URL"), os.Getenv("REDIS_ADDR")),
		RedisRequireTLS:    os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:   os.Getenv("REDIS_TLS_INSECURE"),
		CORSAllowedOrigins: os.Getenv("CORS_ALLOWED_ORIGINS"),
		AuditRedact:        os.Getenv("AUDIT_REDACT"),
		AuditHashSalt:      os.Getenv("AUDIT_HASH_SALT"),
	}
	for _, name := range secrets {
		o.RequiredServiceSecrets = append(o.RequiredServiceSecrets, EnvRequirement{Name: name, Value: os.Getenv(name)})
	}
	return o
}

// ValidateProduction refuses insecure settings in production-like
// environments unless STRICT_PROD_SECURITY=false.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !strings.EqualFold(strings.TrimSpace(o.Storage), "postgres") {
		return fmt.Errorf("%s: strict production hardening requires STORAGE=postgres", service)
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) && !strings.HasPrefix(strings.TrimSpace(o.RedisAddr), "rediss://") {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE", service)
		}
	}
	if isTrue(o.AuditRedact, false) && strings.TrimSpace(o.AuditHashSalt) == "" {
		return fmt.Errorf("%s: AUDIT_REDACT requires AUDIT_HASH_SALT", service)
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		for _, local := range []string{"://localhost", "://127.0.0.1"} {
			if strings.Contains(lower, local) {
				return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
			}
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if valid == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
