package audit

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Appender persists audit events. An Append error means the events were not recorded.
type Appender interface {
	Append(ctx context.Context, events ...models.AuditEvent) error
}

// Log is an append-only audit log with lazy, ordered reads.
type Log interface {
	Appender
	Query(ctx context.Context, f Filter) iter.Seq2[models.AuditEvent, error]
	// Count ignores Limit and AfterSeq.
	Count(ctx context.Context, f Filter) (int64, error)
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Filter selects events. Results are in seq order; AfterSeq resumes after
// the last seq a previous page returned.
type Filter struct {
	EntityID   string
	EntityType string
	EventType  string
	From       time.Time
	To         time.Time
	AfterSeq   int64
	Limit      int
}

func (f Filter) Match(ev models.AuditEvent) bool {
	if f.AfterSeq > 0 && ev.Seq <= f.AfterSeq {
		return false
	}
	if f.EntityID != "" && ev.EntityID != f.EntityID {
		return false
	}
	if f.EntityType != "" && ev.EntityType != f.EntityType {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if !f.From.IsZero() && ev.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.OccurredAt.Before(f.To) {
		return false
	}
	return true
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer stores events in Postgres. DB may be a pool or a transaction, so
// callers can commit audit records together with the state they describe.
type Writer struct {
	DB       auditDB
	PageSize int
}

func (w *Writer) Append(ctx context.Context, events ...models.AuditEvent) error {
	for _, ev := range events {
		_, err := w.DB.Exec(ctx, `
			INSERT INTO audit_events
			(id, entity_id, entity_type, event_type, actor, from_state, to_state, payload, occurred_at, retain_until)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, ev.ID, ev.EntityID, ev.EntityType, ev.EventType, ev.Actor, ev.FromState, ev.ToState, []byte(ev.Payload), ev.OccurredAt, ev.RetainUntil)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", accesserr.ErrAuditWriteFailed, ev.EventType, ev.EntityID, err)
		}
	}
	return nil
}

// Query pages through matching events in seq order. Each page is fetched
// only when the previous one has been consumed.
func (w *Writer) Query(ctx context.Context, f Filter) iter.Seq2[models.AuditEvent, error] {
	pageSize := w.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return func(yield func(models.AuditEvent, error) bool) {
		afterSeq := f.AfterSeq
		emitted := 0
		for {
			limit := pageSize
			if f.Limit > 0 && f.Limit-emitted < limit {
				limit = f.Limit - emitted
			}
			if limit <= 0 {
				return
			}
			sql, args := buildQuery(f, afterSeq, limit)
			rows, err := w.DB.Query(ctx, sql, args...)
			if err != nil {
				yield(models.AuditEvent{}, err)
				return
			}
			n := 0
			for rows.Next() {
				var ev models.AuditEvent
				var payload []byte
				if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EntityID, &ev.EntityType, &ev.EventType, &ev.Actor, &ev.FromState, &ev.ToState, &payload, &ev.OccurredAt, &ev.RetainUntil); err != nil {
					rows.Close()
					yield(models.AuditEvent{}, err)
					return
				}
				ev.Payload = payload
				n++
				emitted++
				afterSeq = ev.Seq
				if !yield(ev, nil) {
					rows.Close()
					return
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				yield(models.AuditEvent{}, err)
				return
			}
			if n < limit {
				return
			}
		}
	}
}

const eventColumns = `seq, id, entity_id, entity_type, event_type, actor, from_state, to_state, payload, occurred_at, retain_until`

func buildQuery(f Filter, afterSeq int64, limit int) (string, []any) {
	where, args := filterClauses(f)
	if afterSeq > 0 {
		args = append(args, afterSeq)
		where = append(where, fmt.Sprintf("seq>$%d", len(args)))
	}
	sql := `SELECT ` + eventColumns + ` FROM audit_events`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY seq LIMIT $%d", len(args))
	return sql, args
}

func filterClauses(f Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.EntityID != "" {
		add("entity_id=?", f.EntityID)
	}
	if f.EntityType != "" {
		add("entity_type=?", f.EntityType)
	}
	if f.EventType != "" {
		add("event_type=?", f.EventType)
	}
	if !f.From.IsZero() {
		add("occurred_at>=?", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at<?", f.To)
	}
	return where, args
}

func (w *Writer) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := filterClauses(f)
	sql := `SELECT count(*) FROM audit_events`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := w.DB.Query(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// Purge deletes only events whose retention window has fully elapsed.
func (w *Writer) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := w.DB.Exec(ctx, `DELETE FROM audit_events WHERE retain_until < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Collect drains a query, mainly for handlers that return bounded pages.
func Collect(seq iter.Seq2[models.AuditEvent, error]) ([]models.AuditEvent, error) {
	out := []models.AuditEvent{}
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
