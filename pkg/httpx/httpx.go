package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"accessgov/pkg/accesserr"
)

// ActorHeader carries the authenticated principal set by the fronting proxy.
const ActorHeader = "X-Actor"

// RolesHeader carries the caller's comma-separated directory roles.
const RolesHeader = "X-Actor-Roles"

const maxBodyBytes = 1 << 20

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware enforces an explicit origin allowlist from comma-separated origins.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, part := range strings.Split(allowedOrigins, ",") {
		if origin := strings.TrimSpace(part); origin != "" {
			allowed[origin] = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed["*"] && !allowed[origin] {
				if preflight {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type,"+ActorHeader+","+RolesHeader)
			h.Set("Access-Control-Max-Age", "600")
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}

// ErrorCode maps a domain error onto its HTTP status and reason code.
func ErrorCode(w http.ResponseWriter, err error) {
	status := accesserr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteJSON(w, status, map[string]any{"error": msg, "reason_code": accesserr.Code(err)})
}

// DecodeJSON reads one JSON document from r into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", accesserr.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", accesserr.ErrInvalidRequest, err)
	}
	return nil
}

// Actor returns the calling principal and its claimed roles.
func Actor(r *http.Request) (string, []string) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	var roles []string
	for _, part := range strings.Split(r.Header.Get(RolesHeader), ",") {
		if role := strings.TrimSpace(part); role != "" {
			roles = append(roles, role)
		}
	}
	return actor, roles
}
