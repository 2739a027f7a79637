package policystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"accessgov/pkg/audit"
	"accessgov/pkg/models"

	"github.com/jackc/pgx/v5"
)

type policyDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps one row per policy version. Publishing serializes per
// key with a transaction-scoped advisory lock and writes the audit event in
// the same transaction.
type PostgresStore struct {
	DB      policyDB
	Builder audit.Builder
	Now     func() time.Time
}

func (s *PostgresStore) Publish(ctx context.Context, p models.Policy, actor string) (models.Policy, error) {
	key := keyOf(p)
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return models.Policy{}, fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "policy:"+key); err != nil {
		return models.Policy{}, fmt.Errorf("lock policy %q: %w", key, err)
	}
	var latest int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM policies WHERE policy_key=$1`, key).Scan(&latest); err != nil {
		return models.Policy{}, fmt.Errorf("latest version %q: %w", key, err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	out, err := stamp(p, actor, latest+1, now())
	if err != nil {
		return models.Policy{}, err
	}
	doc, err := json.Marshal(out)
	if err != nil {
		return models.Policy{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO policies (id, policy_key, version, resource, resource_type, enabled, document, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, out.ID, key, out.Version, out.Resource, out.ResourceType, out.Enabled, doc, out.CreatedBy, out.CreatedAt); err != nil {
		return models.Policy{}, fmt.Errorf("insert policy %q: %w", key, err)
	}
	w := &audit.Writer{DB: tx}
	if err := w.Append(ctx, publishedEvent(s.Builder, out, actor)); err != nil {
		return models.Policy{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Policy{}, fmt.Errorf("commit publish: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Latest(ctx context.Context, key string) (models.Policy, error) {
	return s.one(ctx, key, 0, `SELECT document FROM policies WHERE policy_key=$1 ORDER BY version DESC LIMIT 1`, key)
}

func (s *PostgresStore) Version(ctx context.Context, key string, version int) (models.Policy, error) {
	return s.one(ctx, key, version, `SELECT document FROM policies WHERE policy_key=$1 AND version=$2`, key, version)
}

func (s *PostgresStore) one(ctx context.Context, key string, version int, sql string, args ...any) (models.Policy, error) {
	var doc []byte
	if err := s.DB.QueryRow(ctx, sql, args...).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Policy{}, notFound(key, version)
		}
		return models.Policy{}, err
	}
	var p models.Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return models.Policy{}, fmt.Errorf("decode policy %q: %w", key, err)
	}
	return p, nil
}

func (s *PostgresStore) Versions(ctx context.Context, key string) ([]models.Policy, error) {
	out, err := s.many(ctx, `SELECT document FROM policies WHERE policy_key=$1 ORDER BY version`, key)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound(key, 0)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]models.Policy, error) {
	return s.many(ctx, `
		SELECT DISTINCT ON (policy_key) document FROM policies
		ORDER BY policy_key, version DESC
	`)
}

func (s *PostgresStore) many(ctx context.Context, sql string, args ...any) ([]models.Policy, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Policy{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p models.Policy
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
