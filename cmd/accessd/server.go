package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/auth"
	"accessgov/pkg/httpx"
	"accessgov/pkg/lifecycle"
	"accessgov/pkg/metrics"
	"accessgov/pkg/models"
	"accessgov/pkg/policystore"
	"accessgov/pkg/ratelimit"
	"accessgov/pkg/store"
	"accessgov/pkg/stream"
	"accessgov/pkg/telemetry"
	"accessgov/pkg/workflow"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MFAHeader is set by the fronting proxy once the caller passed MFA.
const MFAHeader = "X-MFA-Verified"

const maxAuditPage = 5000

type Server struct {
	Engine    *workflow.Engine
	Policies  policystore.Store
	Audit     audit.Log
	Hub       *stream.Hub
	Scheduler *lifecycle.Scheduler
	Metrics   *metrics.Registry
	Limiter   ratelimit.Limiter

	SubmitRateLimit     int
	AdminRole           string
	AuditorRole         string
	AuthMode            string
	AuthSecret          string
	AuthOptions         []auth.MiddlewareOption
	CORSAllowedOrigins  string
	WSOrigins           []string
	MaxRequestBodyBytes int64
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "accessd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.AuthMode, s.AuthSecret, s.AuthOptions...))
		r.Get("/v1/resources", s.listResources)
		r.Get("/v1/stats", s.withRoles(s.stats, s.AdminRole, s.AuditorRole))

		r.Get("/v1/policies", s.listPolicies)
		r.Post("/v1/policies", s.withRoles(s.publishPolicy, s.AdminRole))
		r.Get("/v1/policies/{key}", s.getPolicy)
		r.Get("/v1/policies/{key}/versions", s.listPolicyVersions)

		r.With(ratelimit.Middleware(s.Limiter, "submit:", s.SubmitRateLimit, auth.Subject)).Post("/v1/requests", s.submitRequest)
		r.Get("/v1/requests", s.listRequests)
		r.Get("/v1/requests/{id}", s.getRequest)
		r.Post("/v1/requests/{id}/decisions", s.decide)

		r.Get("/v1/grants", s.listGrants)
		r.Get("/v1/grants/{id}", s.getGrant)
		r.Post("/v1/grants/{id}/revoke", s.revokeGrant)
		r.Post("/v1/grants/{id}/renew", s.renewGrant)
		r.Post("/v1/grants/{id}/provision", s.withRoles(s.provisionGrant, s.AdminRole))

		r.Get("/v1/audit", s.withRoles(s.queryAudit, s.AdminRole, s.AuditorRole))
		r.Get("/v1/audit/stream", s.withRoles(stream.Handler{Hub: s.Hub, OriginPatterns: s.WSOrigins}.ServeHTTP, s.AdminRole, s.AuditorRole))
		r.Post("/v1/scheduler/tick", s.withRoles(s.tick, s.AdminRole))
	})
	return telemetry.HTTPMiddleware("accessd")(r)
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	policies, err := s.Policies.List(r.Context())
	if err != nil {
		internalServerError(w, "list resources", err)
		return
	}
	type resource struct {
		Resource      string   `json:"resource"`
		ResourceType  string   `json:"resource_type,omitempty"`
		PolicyID      string   `json:"policy_id"`
		PolicyVersion int      `json:"policy_version"`
		Roles         []string `json:"roles"`
	}
	out := []resource{}
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		roles := make([]string, 0, len(p.Roles))
		for _, role := range p.Roles {
			roles = append(roles, role.Name)
		}
		out = append(out, resource{Resource: p.Resource, ResourceType: p.ResourceType, PolicyID: p.ID, PolicyVersion: p.Version, Roles: roles})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"resources": out})
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.Policies.List(r.Context())
	if err != nil {
		internalServerError(w, "list policies", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) publishPolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.ErrorCode(w, fmt.Errorf("%w: %v", accesserr.ErrInvalidRequest, err))
		return
	}
	p, err := policystore.DecodePolicy(raw)
	if err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	published, err := s.Policies.Publish(r.Context(), p, auth.Subject(r))
	if err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, published)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var (
		p   models.Policy
		err error
	)
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version <= 0 {
			httpx.ErrorCode(w, fmt.Errorf("%w: version must be a positive integer", accesserr.ErrInvalidRequest))
			return
		}
		p, err = s.Policies.Version(r.Context(), key, version)
	} else {
		p, err = s.Policies.Latest(r.Context(), key)
	}
	if err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) listPolicyVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.Policies.Versions(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var sub workflow.Submission
	if err := httpx.DecodeJSON(r, &sub); err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	// Identity and network facts come from the connection, not the body.
	sub.Requester = auth.Subject(r)
	sub.Attributes.SourceIP = clientIP(r)
	sub.Attributes.MFAVerified = strings.EqualFold(r.Header.Get(MFAHeader), "true")
	req, err := s.Engine.Submit(r.Context(), sub)
	if err != nil {
		if req.ID != "" {
			httpx.WriteJSON(w, accesserr.HTTPStatus(err), map[string]any{
				"error":       err.Error(),
				"reason_code": accesserr.Code(err),
				"request":     req,
			})
			return
		}
		httpx.ErrorCode(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, req)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, _ := auth.PrincipalFromContext(r.Context())
	if q.Get("awaiting") == "me" {
		out, err := s.Engine.Awaiting(r.Context(), p.Subject, p.Roles)
		if err != nil {
			internalServerError(w, "awaiting", err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"requests": out})
		return
	}
	f := store.RequestFilter{
		Requester: q.Get("requester"),
		Resource:  q.Get("resource"),
		Limit:     queryInt(q.Get("limit"), 100),
	}
	for _, st := range splitCSV(q.Get("status")) {
		f.Status = append(f.Status, models.RequestState(st))
	}
	if !s.privileged(p) {
		f.Requester = p.Subject
	}
	out, err := s.Engine.Requests(r.Context(), f)
	if err != nil {
		internalServerError(w, "list requests", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.Engine.Request(r.Context(), id)
	if err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if !s.privileged(p) {
		ok, err := s.Engine.CanView(r.Context(), req, p.Subject, p.Roles)
		if err != nil {
			internalServerError(w, "request visibility", err)
			return
		}
		if !ok {
			// Answer as for a missing request; existence is not disclosed.
			httpx.ErrorCode(w, fmt.Errorf("%w: %s", accesserr.ErrRequestNotFound, id))
			return
		}
	}
	decisions, err := s.Engine.Decisions(r.Context(), id)
	if err != nil {
		internalServerError(w, "decisions", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request": req, "decisions": decisions})
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		Step     *int   `json:"step,omitempty"`
		Comment  string `json:"comment,omitempty"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	req, err := s.Engine.Decide(r.Context(), workflow.DecisionInput{
		RequestID: chi.URLParam(r, "id"),
		Approver:  p.Subject,
		Decision:  strings.ToLower(strings.TrimSpace(body.Decision)),
		Step:      body.Step,
		Comment:   body.Comment,
		Roles:     p.Roles,
	})
	if err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) listGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.GrantFilter{
		Principal: q.Get("principal"),
		Resource:  q.Get("resource"),
		RequestID: q.Get("request_id"),
		Limit:     queryInt(q.Get("limit"), 100),
	}
	for _, st := range splitCSV(q.Get("status")) {
		f.Status = append(f.Status, models.GrantState(st))
	}
	if p, _ := auth.PrincipalFromContext(r.Context()); !s.privileged(p) {
		f.Principal = p.Subject
	}
	out, err := s.Engine.Grants(r.Context(), f)
	if err != nil {
		internalServerError(w, "list grants", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"grants": out})
}

func (s *Server) getGrant(w http.ResponseWriter, r *http.Request) {
	g, ok := s.ownedGrant(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, g)
}

func (s *Server) revokeGrant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.ErrorCode(w, err)
			return
		}
	}
	g, ok := s.ownedGrant(w, r)
	if !ok {
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "revoked by " + auth.Subject(r)
	}
	g, err := s.Engine.Revoke(r.Context(), g.ID, auth.Subject(r), reason)
	if err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, g)
}

func (s *Server) renewGrant(w http.ResponseWriter, r *http.Request) {
	g, ok := s.ownedGrant(w, r)
	if !ok {
		return
	}
	req, err := s.Engine.Renew(r.Context(), g.ID, auth.Subject(r))
	if err != nil {
		httpx.ErrorCode(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, req)
}

func (s *Server) provisionGrant(w http.ResponseWriter, r *http.Request) {
	g, err := s.Engine.Provision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteJSON(w, accesserr.HTTPStatus(err), map[string]any{
			"error":       err.Error(),
			"reason_code": accesserr.Code(err),
			"grant":       g,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, g)
}

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		EntityID:   q.Get("entity_id"),
		EntityType: q.Get("entity_type"),
		EventType:  q.Get("event_type"),
		Limit:      min(queryInt(q.Get("limit"), 500), maxAuditPage),
	}
	if raw := q.Get("after_seq"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			httpx.ErrorCode(w, fmt.Errorf("%w: after_seq must be a non-negative integer", accesserr.ErrInvalidRequest))
			return
		}
		f.AfterSeq = seq
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.ErrorCode(w, fmt.Errorf("%w: %s must be RFC3339", accesserr.ErrInvalidRequest, name))
			return
		}
		*dst = t
	}
	events, err := audit.Collect(s.Audit.Query(r.Context(), f))
	if err != nil {
		internalServerError(w, "query audit", err)
		return
	}
	body := map[string]any{"events": events}
	if len(events) == f.Limit {
		body["next_after_seq"] = events[len(events)-1].Seq
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

// stats reports entity counts by state, the way operators read the system at a glance.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requests, err := s.Engine.Requests(ctx, store.RequestFilter{})
	if err != nil {
		internalServerError(w, "stats requests", err)
		return
	}
	grants, err := s.Engine.Grants(ctx, store.GrantFilter{})
	if err != nil {
		internalServerError(w, "stats grants", err)
		return
	}
	byRequest := map[string]int{}
	for _, req := range requests {
		byRequest[string(req.Status)]++
	}
	byGrant := map[string]int{}
	for _, g := range grants {
		byGrant[string(g.Status)]++
	}
	events, err := s.Audit.Count(ctx, audit.Filter{})
	if err != nil {
		internalServerError(w, "stats audit", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"requests":          len(requests),
		"requests_by_state": byRequest,
		"grants":            len(grants),
		"grants_by_state":   byGrant,
		"audit_events":      events,
		"stream_clients":    s.Hub.Subscribers(),
	})
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Scheduler.Tick(r.Context())
	if err != nil {
		log.Printf("accessd manual tick: %v", err)
	}
	httpx.WriteJSON(w, http.StatusOK, rep)
}

// ownedGrant loads the grant in the URL; callers other than its principal
// need the admin role.
func (s *Server) ownedGrant(w http.ResponseWriter, r *http.Request) (models.Grant, bool) {
	g, err := s.Engine.Grant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.ErrorCode(w, err)
		return models.Grant{}, false
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if !strings.EqualFold(g.Principal, p.Subject) && !s.privileged(p) {
		httpx.Error(w, http.StatusForbidden, "forbidden")
		return models.Grant{}, false
	}
	return g, true
}

func (s *Server) privileged(p auth.Principal) bool {
	return auth.HasAnyRole(p, s.AdminRole, s.AuditorRole)
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(p, roles...) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack passes the connection through for the audit stream websocket.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	s.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = r.Method + " " + rctx.RoutePattern()
		}
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	log.Printf("accessd %s: %v", op, err)
	httpx.Error(w, http.StatusInternalServerError, "internal error")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(raw string, def int) int {
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return def
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
