package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnavailable is returned when neither a DSN nor Docker is available.
var ErrUnavailable = errors.New("infra: no postgres available")

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness connects to DATABASE_URL or STRESS_TEST_PG_DSN when set, and
// otherwise boots a container. Shared databases get an isolated schema.
func NewHarness(ctx context.Context) (*Harness, error) {
	override := os.Getenv("DATABASE_URL")
	shared := override != "" || os.Getenv("STRESS_TEST_PG_DSN") != ""
	if !shared && !DockerAvailable(ctx) {
		return nil, ErrUnavailable
	}

	container, dsn, err := StartPostgres16(ctx, override)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Harness{
		container: container,
		pool:      pool,
		dsn:       dsn,
		teardown:  teardown,
	}, nil
}

// Open returns a migrated harness for t, skipping the test when no database
// can be reached.
func Open(t *testing.T) *Harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := NewHarness(ctx)
	if errors.Is(err, ErrUnavailable) {
		t.Skip("set DATABASE_URL or run Docker to exercise PostgreSQL")
	}
	if err != nil {
		t.Fatalf("postgres harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

// Reset truncates mutable tables to provide a clean slate for the next test.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"rental_idempotency",
		"rental_outbox",
		"rental_timeline",
		"rental_agreements",
		"rental_counters",
		"entries",
		"transfers",
		"balances",
		"accounts",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
