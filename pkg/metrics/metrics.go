package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is an in-process metrics store. A nil *Registry discards everything.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	transitions map[string]int64
	reason      map[string]int64
	gauges      map[string]float64
	tick        TickStat
	hist        *histogramSet
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// TickStat summarizes lifecycle scheduler runs.
type TickStat struct {
	Count   int64   `json:"count"`
	Skipped int64   `json:"skipped"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Transitions map[string]int64        `json:"transitions"`
	Reasons     map[string]int64        `json:"reasons"`
	Gauges      map[string]float64      `json:"gauges"`
	Ticks       TickStat                `json:"scheduler_ticks"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		transitions: map[string]int64{},
		reason:      map[string]int64{},
		gauges:      map[string]float64{},
		hist:        newHistogramSet(),
	}
}

func (r *Registry) ObserveLatency(route string, d time.Duration) {
	if r == nil {
		return
	}
	r.hist.observe(FamilyHTTPLatency, route, d)
}

// ObserveDecision records how long a request took from submission to the
// terminal state it reached.
func (r *Registry) ObserveDecision(state string, d time.Duration) {
	if r == nil || state == "" {
		return
	}
	r.hist.observe(FamilyDecisionTime, state, d)
}

// ObserveStepWait records how long an approval step waited before outcome
// (approve, reject, escalated, timed_out).
func (r *Registry) ObserveStepWait(outcome string, d time.Duration) {
	if r == nil || outcome == "" {
		return
	}
	r.hist.observe(FamilyStepWait, outcome, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncTransition counts an entity entering state, keyed "entity:state".
func (r *Registry) IncTransition(entity, state string) {
	entity = strings.TrimSpace(entity)
	state = strings.TrimSpace(state)
	if r == nil || entity == "" || state == "" {
		return
	}
	r.mu.Lock()
	r.transitions[entity+":"+state]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if r == nil || reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) ObserveTick(d time.Duration, skipped bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if skipped {
		r.tick.Skipped++
		return
	}
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.tick.Count++
	r.tick.TotalMS += ms
	r.tick.LastMS = ms
	if ms > r.tick.MaxMS {
		r.tick.MaxMS = ms
	}
	r.tick.AvgMS = float64(r.tick.TotalMS) / float64(r.tick.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if r == nil || name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Transitions: make(map[string]int64, len(r.transitions)),
		Reasons:     make(map[string]int64, len(r.reason)),
		Gauges:      make(map[string]float64, len(r.gauges)),
		Ticks:       r.tick,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.transitions {
		out.Transitions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.hist.snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP accessgov_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE accessgov_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "accessgov_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP accessgov_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE accessgov_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "accessgov_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP accessgov_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE accessgov_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "accessgov_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP accessgov_transition_total state transitions by entity and target state\n")
		b.WriteString("# TYPE accessgov_transition_total counter\n")
		for _, key := range SortedKeys(snap.Transitions) {
			entity, state, _ := strings.Cut(key, ":")
			fmt.Fprintf(b, "accessgov_transition_total{entity=%q,state=%q} %d\n", entity, state, snap.Transitions[key])
		}
		b.WriteString("# HELP accessgov_reason_total rejections and failures by reason code\n")
		b.WriteString("# TYPE accessgov_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "accessgov_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP accessgov_gauge operational gauge metrics\n")
		b.WriteString("# TYPE accessgov_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "accessgov_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP accessgov_scheduler_tick_ms lifecycle tick duration in ms\n")
		b.WriteString("# TYPE accessgov_scheduler_tick_ms gauge\n")
		fmt.Fprintf(b, "accessgov_scheduler_tick_ms{stat=%q} %d\n", "last", snap.Ticks.LastMS)
		fmt.Fprintf(b, "accessgov_scheduler_tick_ms{stat=%q} %.3f\n", "avg", snap.Ticks.AvgMS)
		fmt.Fprintf(b, "accessgov_scheduler_tick_ms{stat=%q} %d\n", "max", snap.Ticks.MaxMS)
		fmt.Fprintf(b, "accessgov_scheduler_ticks_skipped_total %d\n", snap.Ticks.Skipped)
		writeHistograms(b, snap.Histograms)
		_, _ = w.Write([]byte(b.String()))
	}
}

var histogramExposition = map[string]struct{ name, label, help string }{
	FamilyHTTPLatency:  {"accessgov_http_latency_seconds", "endpoint", "request handling latency"},
	FamilyDecisionTime: {"accessgov_request_decision_seconds", "state", "time from submission to a terminal state"},
	FamilyStepWait:     {"accessgov_approval_step_wait_seconds", "outcome", "time an approval step waited"},
}

func writeHistograms(b *strings.Builder, hs []HistogramSnapshot) {
	family := ""
	for _, h := range hs {
		meta, ok := histogramExposition[h.Family]
		if !ok {
			continue
		}
		if h.Family != family {
			family = h.Family
			fmt.Fprintf(b, "# HELP %s %s\n", meta.name, meta.help)
			fmt.Fprintf(b, "# TYPE %s histogram\n", meta.name)
		}
		for _, bucket := range h.Buckets {
			fmt.Fprintf(b, "%s_bucket{%s=%q,le=\"%g\"} %d\n", meta.name, meta.label, h.Key, bucket.UpperBound, bucket.Count)
		}
		fmt.Fprintf(b, "%s_bucket{%s=%q,le=\"+Inf\"} %d\n", meta.name, meta.label, h.Key, h.Count)
		fmt.Fprintf(b, "%s_sum{%s=%q} %.6f\n", meta.name, meta.label, h.Key, h.Sum)
		fmt.Fprintf(b, "%s_count{%s=%q} %d\n", meta.name, meta.label, h.Key, h.Count)
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
