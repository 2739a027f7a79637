//go:build integration

package store

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s -run TestPostgresRepo ./pkg/store/...
func TestPostgresRepoWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()
	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	repo := &PostgresRepo{DB: pool}
	now := time.Now().UTC().Truncate(time.Microsecond)
	r := newRequest(uuid.NewString(), now)
	r.StepStartedAt = now
	ev := models.AuditEvent{ID: uuid.NewString(), EntityID: r.ID, EntityType: models.EntityRequest, EventType: audit.RequestSubmitted, OccurredAt: now, RetainUntil: now.Add(time.Hour)}
	if err := repo.Commit(ctx, &Change{Request: r, Events: []models.AuditEvent{ev}}); err != nil {
		t.Fatalf("insert request: %v", err)
	}

	d := models.ApprovalDecision{ID: uuid.NewString(), RequestID: r.ID, Step: 0, Approver: "alice", Decision: models.DecisionApprove, DecidedAt: now}
	r.Step = 1
	if err := repo.Commit(ctx, &Change{Request: r, ExpectRequestVersion: 1, Decision: &d}); err != nil {
		t.Fatalf("decision: %v", err)
	}
	dup := d
	dup.ID = uuid.NewString()
	if err := repo.Commit(ctx, &Change{Decision: &dup}); !errors.Is(err, accesserr.ErrDuplicateDecision) {
		t.Fatalf("expected DuplicateDecision, got %v", err)
	}
	if err := repo.Commit(ctx, &Change{Request: r, ExpectRequestVersion: 1}); !errors.Is(err, accesserr.ErrConcurrentUpdate) {
		t.Fatalf("expected ConcurrentUpdate, got %v", err)
	}

	g := &models.Grant{ID: uuid.NewString(), RequestID: r.ID, Principal: "bob", Resource: "sales-db", Status: models.GrantActive, ExpiresAt: now.Add(24 * time.Hour), UpdatedAt: now}
	if err := repo.Commit(ctx, &Change{Grant: g}); err != nil {
		t.Fatalf("insert grant: %v", err)
	}
	grants, err := repo.Grants(ctx, GrantFilter{Principal: "bob", Status: []models.GrantState{models.GrantActive}})
	if err != nil || len(grants) != 1 {
		t.Fatalf("grants: %+v err=%v", grants, err)
	}
	got, err := repo.Request(ctx, r.ID)
	if err != nil || got.Version != 2 || got.Step != 1 {
		t.Fatalf("request: %+v err=%v", got, err)
	}
	pending, err := repo.Requests(ctx, RequestFilter{Status: []models.RequestState{models.StatePendingApproval}, Limit: 5})
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %d err=%v", len(pending), err)
	}
	events, err := audit.Collect((&audit.Writer{DB: pool}).Query(ctx, audit.Filter{EntityID: r.ID}))
	if err != nil || len(events) != 1 {
		t.Fatalf("audit: %d err=%v", len(events), err)
	}
}
