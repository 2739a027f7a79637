package metrics

import (
	"sort"
	"sync"
	"time"
)

// Histogram families. Each family is keyed by one label.
const (
	FamilyHTTPLatency  = "http_latency"       // keyed by route
	FamilyDecisionTime = "request_decision"   // submission to terminal state, keyed by state
	FamilyStepWait     = "approval_step_wait" // time a step waited, keyed by outcome
)

// Upper bounds in seconds. HTTP handling is sub-second; approvals take hours to days.
var (
	latencyBounds   = []float64{0.005, 0.025, 0.1, 0.25, 1, 5}
	lifecycleBounds = []float64{60, 15 * 60, 3600, 4 * 3600, 24 * 3600, 3 * 24 * 3600, 7 * 24 * 3600}
)

func familyBounds(family string) []float64 {
	if family == FamilyHTTPLatency {
		return latencyBounds
	}
	return lifecycleBounds
}

// Bucket is one cumulative histogram bucket.
type Bucket struct {
	UpperBound float64 `json:"le"`
	Count      int64   `json:"count"`
}

// Histogram counts durations into fixed bounds. Counts are stored per bucket
// and made cumulative on snapshot; observations past the last bound only
// show in the total.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	sum    float64
	total  int64
}

func newHistogram(bounds []float64) *Histogram {
	return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
}

func (h *Histogram) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	sec := d.Seconds()
	i := sort.SearchFloat64s(h.bounds, sec)
	h.mu.Lock()
	if i < len(h.counts) {
		h.counts[i]++
	}
	h.sum += sec
	h.total++
	h.mu.Unlock()
}

type HistogramSnapshot struct {
	Family  string   `json:"family"`
	Key     string   `json:"key"`
	Buckets []Bucket `json:"buckets"`
	Sum     float64  `json:"sum_seconds"`
	Count   int64    `json:"count"`
	P50     float64  `json:"p50_seconds"`
	P95     float64  `json:"p95_seconds"`
	P99     float64  `json:"p99_seconds"`
}

func (h *Histogram) snapshot(family, key string) HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := HistogramSnapshot{
		Family:  family,
		Key:     key,
		Buckets: make([]Bucket, len(h.bounds)),
		Sum:     h.sum,
		Count:   h.total,
	}
	var running int64
	for i, le := range h.bounds {
		running += h.counts[i]
		out.Buckets[i] = Bucket{UpperBound: le, Count: running}
	}
	out.P50 = quantile(out.Buckets, h.total, 0.50)
	out.P95 = quantile(out.Buckets, h.total, 0.95)
	out.P99 = quantile(out.Buckets, h.total, 0.99)
	return out
}

// quantile interpolates linearly inside the bucket holding rank q*total.
// Ranks beyond the last bound report the last bound.
func quantile(buckets []Bucket, total int64, q float64) float64 {
	if total == 0 || len(buckets) == 0 {
		return 0
	}
	rank := q * float64(total)
	lower, below := 0.0, int64(0)
	for _, b := range buckets {
		if float64(b.Count) >= rank {
			in := b.Count - below
			if in == 0 {
				return b.UpperBound
			}
			return lower + (b.UpperBound-lower)*(rank-float64(below))/float64(in)
		}
		lower, below = b.UpperBound, b.Count
	}
	return buckets[len(buckets)-1].UpperBound
}

type histKey struct{ family, key string }

// histogramSet holds the histograms of all families, created on first use.
type histogramSet struct {
	mu   sync.RWMutex
	byID map[histKey]*Histogram
}

func newHistogramSet() *histogramSet {
	return &histogramSet{byID: map[histKey]*Histogram{}}
}

func (s *histogramSet) observe(family, key string, d time.Duration) {
	id := histKey{family, key}
	s.mu.RLock()
	h, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if h, ok = s.byID[id]; !ok {
			h = newHistogram(familyBounds(family))
			s.byID[id] = h
		}
		s.mu.Unlock()
	}
	h.Observe(d)
}

// snapshots returns every histogram ordered by family then key.
func (s *histogramSet) snapshots() []HistogramSnapshot {
	s.mu.RLock()
	ids := make([]histKey, 0, len(s.byID))
	hs := make(map[histKey]*Histogram, len(s.byID))
	for id, h := range s.byID {
		ids = append(ids, id)
		hs[id] = h
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].family != ids[j].family {
			return ids[i].family < ids[j].family
		}
		return ids[i].key < ids[j].key
	})
	out := make([]HistogramSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, hs[id].snapshot(id.family, id.key))
	}
	return out
}
