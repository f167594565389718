package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/ledger"
	"rentflow/test/actors"
	"rentflow/test/chaos"
	"rentflow/test/infra"
	"rentflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flParties     = flag.Int("parties", 6, "number of registered accounts")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const stressCurrency = "USD"

func seedRNG(seed int64) { rand.Seed(seed) }

func TestLifecycleConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if infra.DockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no postgres available: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	authSvc := auth.NewService(auth.NewRepository(pool), fmt.Sprintf("stress-%d", seed))
	ledgerRepo := ledger.NewRepository()
	svc := agreement.NewService(pool, nil, ledgerRepo, authSvc)

	parties := mustSeed(t, ctx, pool, authSvc, ledger.NewService(pool, ledgerRepo))

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	book := &actors.Book{}
	stats := &actors.Stats{}

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, svc, parties, book, stats, stop) })
		g.Go(func() error { return actors.Executor(ctx2, svc, book, stressCurrency, stats, stop) })
		g.Go(func() error { return actors.RentPayer(ctx2, svc, book, stressCurrency, stats, stop) })
	}
	g.Go(func() error { return actors.Terminator(ctx2, svc, book, stats, stop) })
	g.Go(func() error { return actors.DepositHolder(ctx2, pool, stop) })
	g.Go(func() error { return actors.Refunder(ctx2, svc, book, stressCurrency, stats, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })

	kills := make(chan int, 1)
	go func() { kills <- chaos.TerminateRandomBackend(ctx2, pool, infra.AppName+"%", stop) }()

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// The oracle connection may itself be a chaos victim.
				t.Logf("oracle error (retrying): %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	t.Logf("leases=%d backend kills=%d outcomes=%v (seed=%d)", book.Len(), <-kills, stats.Snapshot(), seed)

	// Final pass once everything has settled.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalCancel()
	name, row, err := oracles.Run(finalCtx, pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, finalCtx, pool)
		t.Fatalf("Oracle %s failed after settle. First row: %s (seed=%d)", name, row, seed)
	}
}

// mustSeed registers parties and funds each of them so rent can flow both ways.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, authSvc *auth.Service, ledgers *ledger.Service) []actors.Party {
	t.Helper()
	n := *flParties
	if n < 2 {
		n = 2
	}
	parties := make([]actors.Party, 0, n)
	for i := 0; i < n; i++ {
		handle := fmt.Sprintf("party-%d-%d", i, rand.Int63())
		if _, err := authSvc.Register(ctx, auth.RegisterRequest{Handle: handle, Password: "stress-password"}); err != nil {
			t.Fatalf("register %s: %v", handle, err)
		}
		session, err := authSvc.Login(ctx, auth.LoginRequest{Handle: handle, Password: "stress-password"})
		if err != nil {
			t.Fatalf("login %s: %v", handle, err)
		}
		if _, err := ledgers.Deposit(ctx, stressCurrency, session.Account.ID, int64(20_000+rand.Intn(20_000)), "stress seed"); err != nil {
			t.Fatalf("fund %s: %v", handle, err)
		}
		parties = append(parties, actors.Party{ID: session.Account.ID, Token: session.Token})
	}
	return parties
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"rental_timeline", `SELECT id, agreement_id, seq, type, actor, created_at FROM rental_timeline ORDER BY id DESC LIMIT 50`},
		{"rental_agreements", `SELECT id, landlord, tenant, rent_amount, executed, deposit_paid FROM rental_agreements ORDER BY id DESC LIMIT 50`},
		{"transfers", `SELECT id, currency, from_account, to_account, amount, created_at FROM transfers ORDER BY created_at DESC LIMIT 50`},
		{"balances", `SELECT account_id, currency, amount FROM balances ORDER BY account_id`},
		{"rental_outbox", `SELECT id, topic, status, attempts, created_at FROM rental_outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
