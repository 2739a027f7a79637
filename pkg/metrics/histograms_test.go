package metrics

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := newHistogram(lifecycleBounds)
	h.Observe(30 * time.Second)
	h.Observe(10 * time.Minute)
	h.Observe(2 * time.Hour)
	h.Observe(10 * 24 * time.Hour)
	h.Observe(-time.Second)

	snap := h.snapshot(FamilyDecisionTime, "approved")
	if snap.Count != 5 {
		t.Fatalf("count = %d, want 5", snap.Count)
	}
	want := []int64{2, 3, 3, 4, 4, 4, 4}
	for i, b := range snap.Buckets {
		if b.Count != want[i] {
			t.Fatalf("bucket le=%g count=%d, want %d", b.UpperBound, b.Count, want[i])
		}
	}
	if snap.Buckets[len(snap.Buckets)-1].Count == snap.Count {
		t.Fatal("observations past the last bound must only show in the total")
	}
}

func TestHistogramQuantileInterpolates(t *testing.T) {
	h := newHistogram(lifecycleBounds)
	for i := 0; i < 100; i++ {
		h.Observe(30 * time.Second)
	}
	snap := h.snapshot(FamilyStepWait, "approve")
	if snap.P50 != 30 {
		t.Fatalf("p50 = %g, want 30", snap.P50)
	}
	if math.Abs(snap.P99-59.4) > 1e-9 {
		t.Fatalf("p99 = %g, want 59.4", snap.P99)
	}

	empty := newHistogram(latencyBounds).snapshot(FamilyHTTPLatency, "GET /healthz")
	if empty.P50 != 0 || empty.Count != 0 {
		t.Fatalf("empty histogram must report zeros: %+v", empty)
	}
}

func TestHistogramQuantileBeyondLastBound(t *testing.T) {
	h := newHistogram(latencyBounds)
	h.Observe(time.Millisecond)
	for i := 0; i < 9; i++ {
		h.Observe(time.Minute)
	}
	if p := h.snapshot(FamilyHTTPLatency, "POST /v1/requests").P95; p != 5 {
		t.Fatalf("p95 = %g, want the last bound", p)
	}
}

func TestRegistryHistogramFamilies(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency("GET /v1/requests", 20*time.Millisecond)
	r.ObserveLatency("GET /v1/grants", 3*time.Millisecond)
	r.ObserveDecision("approved", 2*time.Hour)
	r.ObserveStepWait("escalated", 25*time.Hour)
	r.ObserveDecision("", time.Hour)
	r.ObserveStepWait("", time.Hour)

	snap := r.Snapshot()
	var order []string
	for _, h := range snap.Histograms {
		order = append(order, h.Family+"/"+h.Key)
	}
	want := "approval_step_wait/escalated,http_latency/GET /v1/grants,http_latency/GET /v1/requests,request_decision/approved"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("histograms out of order\n got: %s\nwant: %s", got, want)
	}

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rr.Body.String()
	for _, line := range []string{
		`accessgov_request_decision_seconds_bucket{state="approved",le="3600"} 0`,
		`accessgov_request_decision_seconds_bucket{state="approved",le="14400"} 1`,
		`accessgov_approval_step_wait_seconds_count{outcome="escalated"} 1`,
		`accessgov_http_latency_seconds_bucket{endpoint="GET /v1/grants",le="0.005"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("missing %q in:\n%s", line, body)
		}
	}
	if n := strings.Count(body, "# TYPE accessgov_http_latency_seconds histogram"); n != 1 {
		t.Fatalf("family header written %d times", n)
	}
}

func TestNilRegistryHistograms(t *testing.T) {
	var r *Registry
	r.ObserveDecision("approved", time.Hour)
	r.ObserveStepWait("approve", time.Hour)
}
