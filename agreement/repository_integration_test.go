package agreement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rentflow/auth"
	"rentflow/ledger"
	"rentflow/test/infra"
)

type liveParty struct {
	id    string
	token string
}

func (p liveParty) caller() Caller {
	return Caller{Account: p.id, Proof: p.token}
}

func registerParty(t *testing.T, ctx context.Context, svc *auth.Service, handle string) liveParty {
	t.Helper()
	if _, err := svc.Register(ctx, auth.RegisterRequest{Handle: handle, Password: "integration-pass"}); err != nil {
		t.Fatalf("register %s: %v", handle, err)
	}
	res, err := svc.Login(ctx, auth.LoginRequest{Handle: handle, Password: "integration-pass"})
	if err != nil {
		t.Fatalf("login %s: %v", handle, err)
	}
	return liveParty{id: res.Account.ID, token: res.Token}
}

func balanceOf(t *testing.T, ctx context.Context, ledgers *ledger.Service, account string) int64 {
	t.Helper()
	amount, err := ledgers.Balance(ctx, "USD", account)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return amount
}

// TestLifecycle_Integration runs the full lifecycle against PostgreSQL with
// real credentials and the double-entry ledger.
func TestLifecycle_Integration(t *testing.T) {
	h := infra.Open(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	authSvc := auth.NewService(auth.NewRepository(h.Pool()), "integration-secret")
	ledgerRepo := ledger.NewRepository()
	ledgers := ledger.NewService(h.Pool(), ledgerRepo)
	svc := NewService(h.Pool(), nil, ledgerRepo, authSvc)

	landlord := registerParty(t, ctx, authSvc, "landlord")
	tenant := registerParty(t, ctx, authSvc, "tenant")
	if _, err := ledgers.Deposit(ctx, "USD", tenant.id, 2500, "seed"); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}

	id, err := svc.Create(ctx, landlord.caller(), CreateParams{
		PropertyAddress: "12 Harbour Road",
		Landlord:        landlord.id,
		Tenant:          tenant.id,
		RentAmount:      1000,
		DurationMonths:  12,
		StartDate:       1000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}

	if err := svc.Execute(ctx, tenant.caller(), "USD", id, 999); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before start, got %v", err)
	}
	if err := svc.Execute(ctx, tenant.caller(), "USD", id, 1000); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := svc.PayRent(ctx, tenant.caller(), "USD", id, 1000); err != nil {
		t.Fatalf("pay rent: %v", err)
	}

	// Only 500 left, so the next payment fails and leaves balances alone.
	err = svc.PayRent(ctx, tenant.caller(), "USD", id, 1000)
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected transfer failure from insufficient funds, got %v", err)
	}
	if got := balanceOf(t, ctx, ledgers, tenant.id); got != 500 {
		t.Fatalf("tenant balance: expected 500, got %d", got)
	}
	if got := balanceOf(t, ctx, ledgers, landlord.id); got != 2000 {
		t.Fatalf("landlord balance: expected 2000, got %d", got)
	}

	if err := svc.Terminate(ctx, tenant.caller(), id); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected tenant terminate to be rejected, got %v", err)
	}
	if err := svc.Terminate(ctx, landlord.caller(), id); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, found, err := svc.Get(ctx, id); err != nil || found {
		t.Fatalf("expected record to be gone, found=%v err=%v", found, err)
	}
	if err := svc.PayRent(ctx, tenant.caller(), "USD", id, 1000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after terminate, got %v", err)
	}

	events, err := svc.Events(ctx, id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []EventType{EventCreated, EventExecuted, EventRentPaid, EventTerminated}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Type != want[i] || ev.Seq != i+1 {
			t.Fatalf("event %d: expected %s seq %d, got %s seq %d", i, want[i], i+1, ev.Type, ev.Seq)
		}
	}

	var outbox int
	if err := h.Pool().QueryRow(ctx, `SELECT count(*) FROM rental_outbox`).Scan(&outbox); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outbox != len(want) {
		t.Fatalf("expected %d outbox rows, got %d", len(want), outbox)
	}

	next, err := svc.Create(ctx, landlord.caller(), CreateParams{Landlord: landlord.id, Tenant: tenant.id, RentAmount: 10, DurationMonths: 1})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if next != 2 {
		t.Fatalf("ids must not be reused after termination, got %d", next)
	}
}

func TestRefundDeposit_Integration(t *testing.T) {
	h := infra.Open(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	authSvc := auth.NewService(auth.NewRepository(h.Pool()), "integration-secret")
	ledgerRepo := ledger.NewRepository()
	ledgers := ledger.NewService(h.Pool(), ledgerRepo)
	svc := NewService(h.Pool(), nil, ledgerRepo, authSvc)

	landlord := registerParty(t, ctx, authSvc, "refund-landlord")
	tenant := registerParty(t, ctx, authSvc, "refund-tenant")
	if _, err := ledgers.Deposit(ctx, "USD", tenant.id, 1000, "seed"); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if _, err := ledgers.Deposit(ctx, "USD", landlord.id, 800, "held deposit"); err != nil {
		t.Fatalf("seed landlord: %v", err)
	}

	id, err := svc.Create(ctx, landlord.caller(), CreateParams{Landlord: landlord.id, Tenant: tenant.id, RentAmount: 1000, DurationMonths: 6})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Execute(ctx, tenant.caller(), "USD", id, 0); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := svc.RefundDeposit(ctx, landlord.caller(), "USD", id, 800); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without a deposit, got %v", err)
	}

	if _, err := h.Pool().Exec(ctx, `UPDATE rental_agreements SET deposit_paid = true WHERE id = $1`, int64(id)); err != nil {
		t.Fatalf("mark deposit: %v", err)
	}

	refundCtx := WithIdempotencyKey(ctx, "refund-once")
	if err := svc.RefundDeposit(refundCtx, landlord.caller(), "USD", id, 800); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := svc.RefundDeposit(refundCtx, landlord.caller(), "USD", id, 800); err != nil {
		t.Fatalf("replayed refund should succeed, got %v", err)
	}
	if err := svc.RefundDeposit(refundCtx, tenant.caller(), "USD", id, 800); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected tenant replay of the landlord's key to be rejected, got %v", err)
	}
	if err := svc.RefundDeposit(refundCtx, landlord.caller(), "USD", id, 700); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected replay with another amount to be rejected, got %v", err)
	}
	if err := svc.RefundDeposit(ctx, landlord.caller(), "USD", id, 800); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second refund to be rejected, got %v", err)
	}

	if got := balanceOf(t, ctx, ledgers, tenant.id); got != 800 {
		t.Fatalf("tenant balance: expected 800, got %d", got)
	}
	if got := balanceOf(t, ctx, ledgers, landlord.id); got != 1000 {
		t.Fatalf("landlord balance: expected 1000, got %d", got)
	}
}

// TestConcurrentExecute_Integration races executes on one agreement; the row
// lock lets exactly one through.
func TestConcurrentExecute_Integration(t *testing.T) {
	h := infra.Open(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	authSvc := auth.NewService(auth.NewRepository(h.Pool()), "integration-secret")
	ledgerRepo := ledger.NewRepository()
	ledgers := ledger.NewService(h.Pool(), ledgerRepo)
	svc := NewService(h.Pool(), nil, ledgerRepo, authSvc)

	landlord := registerParty(t, ctx, authSvc, "race-landlord")
	tenant := registerParty(t, ctx, authSvc, "race-tenant")
	if _, err := ledgers.Deposit(ctx, "USD", tenant.id, 10_000, "seed"); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	id, err := svc.Create(ctx, landlord.caller(), CreateParams{Landlord: landlord.id, Tenant: tenant.id, RentAmount: 700, DurationMonths: 12})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Execute(ctx, tenant.caller(), "USD", id, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInvalidState):
				rejected++
			default:
				t.Errorf("unexpected execute error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || rejected != workers-1 {
		t.Fatalf("expected exactly one execute, got %d ok and %d rejected", succeeded, rejected)
	}
	if got := balanceOf(t, ctx, ledgers, landlord.id); got != 700 {
		t.Fatalf("landlord should receive one rent, got %d", got)
	}
}
