package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"accessgov/pkg/httpx"
)

const (
	ModeHeader    = "header"
	ModeOIDCHS256 = "oidc_hs256"
	ModeOIDCRS256 = "oidc_rs256"
)

// Principal is the authenticated caller. Roles are the caller's claimed
// directory roles; the engine still checks them against approver steps.
type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "accessgov.principal"

type MiddlewareConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

type MiddlewareOption func(*MiddlewareConfig)

func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.JWKSURL = strings.TrimSpace(url) }
}

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Timeout = timeout }
}

// ValidMode reports whether mode names a supported authentication mode.
func ValidMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeHeader, ModeOIDCHS256, ModeOIDCRS256:
		return true
	}
	return false
}

// Middleware attaches a Principal to the request context. In header mode
// the identity is taken from X-Actor as set by a trusted proxy; the OIDC
// modes verify a bearer token. Requests without an identity get 401.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	var keys *jwksCache
	if mode == ModeOIDCRS256 {
		keys = newJWKSCache(cfg.JWKSURL, cfg.Timeout)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := authenticate(r, mode, secret, cfg, keys)
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func authenticate(r *http.Request, mode, secret string, cfg MiddlewareConfig, keys *jwksCache) (Principal, error) {
	if mode == ModeHeader {
		actor, roles := httpx.Actor(r)
		if actor == "" {
			return Principal{}, errors.New("missing " + httpx.ActorHeader + " header")
		}
		return Principal{Subject: actor, Roles: roles}, nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return Principal{}, errors.New("missing bearer token")
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	var (
		claims TokenClaims
		err    error
	)
	now := time.Now().UTC()
	switch mode {
	case ModeOIDCHS256:
		claims, err = VerifyHS256Token(token, secret, now, cfg.Issuer, cfg.Audience)
	case ModeOIDCRS256:
		claims, err = VerifyRS256Token(r.Context(), token, now, keys, cfg.Issuer, cfg.Audience)
	default:
		err = errors.New("unsupported auth mode")
	}
	if err != nil {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{Subject: claims.Sub, Roles: claims.Roles}, nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok && p.Subject != ""
}

// Subject returns the request's principal, or "" when unauthenticated.
func Subject(r *http.Request) string {
	p, _ := PrincipalFromContext(r.Context())
	return p.Subject
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, have := range p.Roles {
		for _, want := range required {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}
