package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"accessgov/pkg/metrics"
	"accessgov/pkg/models"
	"accessgov/pkg/store"
)

const lockKey = "accessgov:lifecycle:tick"

// Engine is the part of the workflow engine the scheduler drives.
type Engine interface {
	ProcessGrant(ctx context.Context, grantID string) error
	Provision(ctx context.Context, grantID string) (models.Grant, error)
	Teardown(ctx context.Context, grantID string) error
	EscalateOverdue(ctx context.Context) (int, error)
	Grants(ctx context.Context, f store.GrantFilter) ([]models.Grant, error)
	Requests(ctx context.Context, f store.RequestFilter) ([]models.AccessRequest, error)
}

// Scheduler runs the time-based rules over all grants. Only one tick runs at
// a time per process, and per deployment when Lock is set.
type Scheduler struct {
	Engine  Engine
	Lock    store.Cache
	Metrics *metrics.Registry
	Workers int
	// LockTTL bounds how long a crashed holder blocks other replicas.
	LockTTL time.Duration

	running atomic.Bool
}

type Report struct {
	Skipped      bool  `json:"skipped"`
	Grants       int   `json:"grants"`
	Provisioned  int   `json:"provisioned"`
	TornDown     int   `json:"torn_down"`
	Escalated    int   `json:"escalated"`
	Failures     int   `json:"failures"`
	DurationMS   int64 `json:"duration_ms"`
	PendingCount int   `json:"pending_requests"`
	ActiveCount  int   `json:"active_grants"`
}

// Tick performs one pass. Errors for individual grants are collected; the
// pass always visits every grant.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	start := time.Now()
	if !s.running.CompareAndSwap(false, true) {
		s.Metrics.ObserveTick(0, true)
		return Report{Skipped: true}, nil
	}
	defer s.running.Store(false)

	if s.Lock != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		release, ok, err := store.TryLock(ctx, s.Lock, lockKey, ttl)
		if err != nil {
			return Report{}, fmt.Errorf("lifecycle lock: %w", err)
		}
		if !ok {
			s.Metrics.ObserveTick(0, true)
			return Report{Skipped: true}, nil
		}
		defer release(context.WithoutCancel(ctx))
	}

	var rep Report
	var errs []error

	n, err := s.Engine.EscalateOverdue(ctx)
	rep.Escalated = n
	if err != nil {
		errs = append(errs, err)
	}

	pending, err := s.Engine.Grants(ctx, store.GrantFilter{Status: []models.GrantState{models.GrantPendingProvisioning}})
	if err != nil {
		return rep, err
	}
	rep.Provisioned, rep.Failures = s.each(ctx, pending, func(ctx context.Context, g models.Grant) error {
		_, err := s.Engine.Provision(ctx, g.ID)
		return err
	}, &errs)

	live, err := s.Engine.Grants(ctx, store.GrantFilter{Status: []models.GrantState{models.GrantActive}})
	if err != nil {
		return rep, err
	}
	rep.Grants = len(live)
	_, failed := s.each(ctx, live, func(ctx context.Context, g models.Grant) error {
		return s.Engine.ProcessGrant(ctx, g.ID)
	}, &errs)
	rep.Failures += failed

	ended, err := s.Engine.Grants(ctx, store.GrantFilter{Status: []models.GrantState{models.GrantExpired, models.GrantRevoked}})
	if err != nil {
		return rep, err
	}
	var teardown []models.Grant
	for _, g := range ended {
		if g.TeardownPending {
			teardown = append(teardown, g)
		}
	}
	var tornFailed int
	rep.TornDown, tornFailed = s.each(ctx, teardown, func(ctx context.Context, g models.Grant) error {
		return s.Engine.Teardown(ctx, g.ID)
	}, &errs)
	rep.Failures += tornFailed

	s.gauges(ctx, &rep)
	d := time.Since(start)
	rep.DurationMS = d.Milliseconds()
	s.Metrics.ObserveTick(d, false)
	return rep, errors.Join(errs...)
}

// each runs fn over grants with a bounded worker pool and counts outcomes.
func (s *Scheduler) each(ctx context.Context, grants []models.Grant, fn func(context.Context, models.Grant) error, errs *[]error) (ok, failed int) {
	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}
	jobs := make(chan models.Grant)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				err := fn(ctx, g)
				mu.Lock()
				if err != nil {
					failed++
					*errs = append(*errs, fmt.Errorf("grant %s: %w", g.ID, err))
				} else {
					ok++
				}
				mu.Unlock()
			}
		}()
	}
	for _, g := range grants {
		if ctx.Err() != nil {
			break
		}
		jobs <- g
	}
	close(jobs)
	wg.Wait()
	return ok, failed
}

func (s *Scheduler) gauges(ctx context.Context, rep *Report) {
	if pending, err := s.Engine.Requests(ctx, store.RequestFilter{Status: []models.RequestState{models.StatePendingApproval}}); err == nil {
		rep.PendingCount = len(pending)
		s.Metrics.SetGauge("pending_requests", float64(len(pending)))
	}
	if active, err := s.Engine.Grants(ctx, store.GrantFilter{Status: []models.GrantState{models.GrantActive, models.GrantRenewalPending}}); err == nil {
		rep.ActiveCount = len(active)
		s.Metrics.SetGauge("active_grants", float64(len(active)))
	}
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.Tick(ctx)
			if err != nil {
				log.Printf("lifecycle tick: %v", err)
			}
			if !rep.Skipped && (rep.Escalated > 0 || rep.Provisioned > 0 || rep.TornDown > 0 || rep.Failures > 0) {
				log.Printf("lifecycle tick: %+v", rep)
			}
		}
	}
}
