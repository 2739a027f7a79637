package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/models"
)

func TestMemoryLogAppendQueryPurge(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "a"} {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := log.Append(ctx, models.AuditEvent{EntityID: id, EventType: RequestSubmitted, OccurredAt: at, RetainUntil: at.Add(time.Hour)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := Collect(log.Query(ctx, Filter{EntityID: "a"}))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].Seq >= got[1].Seq {
		t.Fatalf("unexpected events %+v", got)
	}
	limited, _ := Collect(log.Query(ctx, Filter{Limit: 1}))
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	n, _ := log.Purge(ctx, base.Add(time.Hour+30*time.Second))
	if n != 1 || log.Len() != 2 {
		t.Fatalf("expected only the first event purged, purged=%d len=%d", n, log.Len())
	}
}

func TestMemoryLogUnavailable(t *testing.T) {
	log := NewMemoryLog()
	log.SetUnavailable(errors.New("disk full"))
	err := log.Append(context.Background(), models.AuditEvent{EntityID: "x"})
	if !errors.Is(err, accesserr.ErrAuditWriteFailed) {
		t.Fatalf("expected audit write failure, got %v", err)
	}
	if log.Len() != 0 {
		t.Fatal("failed append must not record anything")
	}
	log.SetUnavailable(nil)
	if err := log.Append(context.Background(), models.AuditEvent{EntityID: "x"}); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
}

func TestMemoryLogCursorAndCount(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		if err := log.Append(ctx, models.AuditEvent{EntityID: id, EventType: RequestSubmitted, OccurredAt: base, RetainUntil: base.Add(time.Hour)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first, _ := Collect(log.Query(ctx, Filter{EntityID: "a", Limit: 2}))
	if len(first) != 2 || first[1].Seq != 3 {
		t.Fatalf("unexpected first page %+v", first)
	}
	rest, _ := Collect(log.Query(ctx, Filter{EntityID: "a", Limit: 2, AfterSeq: first[1].Seq}))
	if len(rest) != 1 || rest[0].Seq != 5 {
		t.Fatalf("cursor must resume after seq 3, got %+v", rest)
	}

	if n, err := log.Count(ctx, Filter{EntityID: "a", Limit: 1, AfterSeq: 4}); err != nil || n != 3 {
		t.Fatalf("count = %d err=%v, want 3", n, err)
	}
	if n, _ := log.Count(ctx, Filter{}); n != 5 {
		t.Fatalf("count all = %d", n)
	}
}
