package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type repoDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepo stores each entity as a JSONB document next to the columns
// used for filtering. Commit runs in one transaction with optimistic
// version checks and writes the audit events through the same transaction.
type PostgresRepo struct {
	DB repoDB
}

func (p *PostgresRepo) Commit(ctx context.Context, c *Change) error {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if r := c.Request; r != nil {
		if err := p.writeRequest(ctx, tx, r, c.ExpectRequestVersion); err != nil {
			return err
		}
	}
	if d := c.Decision; d != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_decisions (id, request_id, step, approver, decision, comment, decided_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, d.ID, d.RequestID, d.Step, d.Approver, d.Decision, d.Comment, d.DecidedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s step %d", accesserr.ErrDuplicateDecision, d.RequestID, d.Step)
		}
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
	}
	if g := c.Grant; g != nil {
		if err := p.writeGrant(ctx, tx, g, c.ExpectGrantVersion); err != nil {
			return err
		}
	}
	if len(c.Events) > 0 {
		if err := (&audit.Writer{DB: tx}).Append(ctx, c.Events...); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if c.Request != nil {
		c.Request.Version = c.ExpectRequestVersion + 1
	}
	if c.Grant != nil {
		c.Grant.Version = c.ExpectGrantVersion + 1
	}
	return nil
}

func (p *PostgresRepo) writeRequest(ctx context.Context, tx pgx.Tx, r *models.AccessRequest, expect int64) error {
	next := r.Clone()
	next.Version = expect + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return err
	}
	var stepStarted *time.Time
	if !r.StepStartedAt.IsZero() {
		stepStarted = &next.StepStartedAt
	}
	if expect == 0 {
		_, err := tx.Exec(ctx, `
			INSERT INTO access_requests (id, requester, resource, status, step_started_at, version, document, submitted_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, r.ID, r.Requester, r.Resource, string(r.Status), stepStarted, next.Version, doc, r.SubmittedAt, r.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s already exists", accesserr.ErrConcurrentUpdate, r.ID)
		}
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE access_requests SET status=$2, step_started_at=$3, version=$4, document=$5, updated_at=$6
		WHERE id=$1 AND version=$7
	`, r.ID, string(r.Status), stepStarted, next.Version, doc, r.UpdatedAt, expect)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s moved past version %d", accesserr.ErrConcurrentUpdate, r.ID, expect)
	}
	return nil
}

func (p *PostgresRepo) writeGrant(ctx context.Context, tx pgx.Tx, g *models.Grant, expect int64) error {
	next := g.Clone()
	next.Version = expect + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return err
	}
	var expires *time.Time
	if !g.ExpiresAt.IsZero() {
		expires = &next.ExpiresAt
	}
	if expect == 0 {
		_, err := tx.Exec(ctx, `
			INSERT INTO grants (id, request_id, principal, resource, status, expires_at, version, document, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, g.ID, g.RequestID, g.Principal, g.Resource, string(g.Status), expires, next.Version, doc, g.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: grant %s already exists", accesserr.ErrConcurrentUpdate, g.ID)
		}
		if err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE grants SET status=$2, expires_at=$3, version=$4, document=$5, updated_at=$6
		WHERE id=$1 AND version=$7
	`, g.ID, string(g.Status), expires, next.Version, doc, g.UpdatedAt, expect)
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: grant %s moved past version %d", accesserr.ErrConcurrentUpdate, g.ID, expect)
	}
	return nil
}

func (p *PostgresRepo) Request(ctx context.Context, id string) (models.AccessRequest, error) {
	var doc []byte
	err := p.DB.QueryRow(ctx, `SELECT document FROM access_requests WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AccessRequest{}, fmt.Errorf("%w: %s", accesserr.ErrRequestNotFound, id)
	}
	if err != nil {
		return models.AccessRequest{}, err
	}
	var r models.AccessRequest
	if err := json.Unmarshal(doc, &r); err != nil {
		return models.AccessRequest{}, fmt.Errorf("decode request %s: %w", id, err)
	}
	return r, nil
}

func (p *PostgresRepo) Requests(ctx context.Context, f RequestFilter) ([]models.AccessRequest, error) {
	q := newWhere()
	if f.Requester != "" {
		q.add("requester=?", f.Requester)
	}
	if f.Resource != "" {
		q.add("resource=?", f.Resource)
	}
	if len(f.Status) > 0 {
		states := make([]string, len(f.Status))
		for i, s := range f.Status {
			states[i] = string(s)
		}
		q.add("status = ANY(?)", states)
	}
	sql := `SELECT document FROM access_requests` + q.String() + ` ORDER BY submitted_at, id` + q.limit(f.Limit)
	rows, err := p.DB.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.AccessRequest{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r models.AccessRequest
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) Decisions(ctx context.Context, requestID string) ([]models.ApprovalDecision, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, request_id, step, approver, decision, comment, decided_at
		FROM approval_decisions WHERE request_id=$1 ORDER BY step
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.ApprovalDecision{}
	for rows.Next() {
		var d models.ApprovalDecision
		if err := rows.Scan(&d.ID, &d.RequestID, &d.Step, &d.Approver, &d.Decision, &d.Comment, &d.DecidedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) Grant(ctx context.Context, id string) (models.Grant, error) {
	var doc []byte
	err := p.DB.QueryRow(ctx, `SELECT document FROM grants WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Grant{}, fmt.Errorf("%w: %s", accesserr.ErrGrantNotFound, id)
	}
	if err != nil {
		return models.Grant{}, err
	}
	var g models.Grant
	if err := json.Unmarshal(doc, &g); err != nil {
		return models.Grant{}, fmt.Errorf("decode grant %s: %w", id, err)
	}
	return g, nil
}

func (p *PostgresRepo) Grants(ctx context.Context, f GrantFilter) ([]models.Grant, error) {
	q := newWhere()
	if f.Principal != "" {
		q.add("principal=?", f.Principal)
	}
	if f.Resource != "" {
		q.add("resource=?", f.Resource)
	}
	if f.RequestID != "" {
		q.add("request_id=?", f.RequestID)
	}
	if len(f.Status) > 0 {
		states := make([]string, len(f.Status))
		for i, s := range f.Status {
			states[i] = string(s)
		}
		q.add("status = ANY(?)", states)
	}
	sql := `SELECT document FROM grants` + q.String() + ` ORDER BY expires_at NULLS FIRST, id` + q.limit(f.Limit)
	rows, err := p.DB.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Grant{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var g models.Grant
		if err := json.Unmarshal(doc, &g); err != nil {
			return nil, fmt.Errorf("decode grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type where struct {
	clauses []string
	args    []any
}

func newWhere() *where { return &where{} }

func (w *where) add(clause string, v any) {
	w.args = append(w.args, v)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return " LIMIT $" + strconv.Itoa(len(w.args))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
