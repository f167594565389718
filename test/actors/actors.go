package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rentflow/agreement"
)

// Party is a registered account together with a live token for it.
type Party struct {
	ID    string
	Token string
}

func (p Party) Caller() agreement.Caller {
	return agreement.Caller{Account: p.ID, Proof: p.Token}
}

// Lease is what the actors remember about an agreement they created.
type Lease struct {
	ID       agreement.ID
	Landlord Party
	Tenant   Party
	Rent     int64
}

// Book is the shared registry of leases created during a run.
type Book struct {
	mu     sync.Mutex
	leases []Lease
}

func (b *Book) Add(l Lease) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leases = append(b.leases, l)
}

// Pick returns a random lease, or false while none exists yet.
func (b *Book) Pick() (Lease, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.leases) == 0 {
		return Lease{}, false
	}
	return b.leases[rand.Intn(len(b.leases))], true
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.leases)
}

// Stats counts outcomes per operation across all actors.
type Stats struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *Stats) record(op agreement.Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[string(op)+"/"+agreement.Outcome(err)]++
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// settle records err and decides whether the actor should stop. Rejections
// and infrastructure failures injected by chaos are expected; only context
// cancellation ends an actor.
func settle(ctx context.Context, stats *Stats, op agreement.Operation, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	stats.record(op, err)
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Creator keeps creating agreements between randomly chosen parties.
func Creator(ctx context.Context, svc *agreement.Service, parties []Party, book *Book, stats *Stats, stop <-chan struct{}) error {
	if len(parties) < 2 {
		return errors.New("creator needs at least two parties")
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		i := rand.Intn(len(parties))
		j := (i + 1 + rand.Intn(len(parties)-1)) % len(parties)
		landlord, tenant := parties[i], parties[j]
		rent := int64(100 + rand.Intn(900))

		id, err := svc.Create(ctx, landlord.Caller(), agreement.CreateParams{
			PropertyAddress: fmt.Sprintf("%d Stress Lane", rand.Intn(1000)),
			Landlord:        landlord.ID,
			Tenant:          tenant.ID,
			RentAmount:      rent,
			DurationMonths:  uint32(1 + rand.Intn(24)),
			StartDate:       uint64(rand.Intn(100)),
		})
		if err == nil {
			book.Add(Lease{ID: id, Landlord: landlord, Tenant: tenant, Rent: rent})
		}
		if err := settle(ctx, stats, agreement.OpCreate, err); err != nil {
			return err
		}
		pause(10, 20)
	}
}

// Executor races to execute random agreements; most attempts lose and must
// be rejected without moving money.
func Executor(ctx context.Context, svc *agreement.Service, book *Book, currency string, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		lease, ok := book.Pick()
		if ok {
			// Either party, or the wrong date now and then.
			caller := lease.Tenant
			if rand.Intn(2) == 0 {
				caller = lease.Landlord
			}
			err := svc.Execute(ctx, caller.Caller(), currency, lease.ID, uint64(rand.Intn(120)))
			if err := settle(ctx, stats, agreement.OpExecute, err); err != nil {
				return err
			}
		}
		pause(5, 20)
	}
}

// RentPayer pays rent, sometimes with the wrong amount and sometimes
// replaying the same idempotency key from two goroutines.
func RentPayer(ctx context.Context, svc *agreement.Service, book *Book, currency string, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		lease, ok := book.Pick()
		if !ok {
			pause(10, 10)
			continue
		}

		amount := lease.Rent
		if rand.Intn(8) == 0 {
			amount++
		}

		if rand.Intn(4) == 0 {
			key := fmt.Sprintf("rent-%d-%d", lease.ID, rand.Int63())
			keyed := agreement.WithIdempotencyKey(ctx, key)
			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs[i] = svc.PayRent(keyed, lease.Tenant.Caller(), currency, lease.ID, amount)
				}()
			}
			wg.Wait()
			for _, err := range errs {
				if err := settle(ctx, stats, agreement.OpPayRent, err); err != nil {
					return err
				}
			}
		} else {
			err := svc.PayRent(ctx, lease.Tenant.Caller(), currency, lease.ID, amount)
			if err := settle(ctx, stats, agreement.OpPayRent, err); err != nil {
				return err
			}
		}
		pause(10, 30)
	}
}

// Terminator ends agreements, occasionally impersonating the tenant.
func Terminator(ctx context.Context, svc *agreement.Service, book *Book, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		lease, ok := book.Pick()
		if ok && rand.Intn(3) == 0 {
			caller := lease.Landlord
			if rand.Intn(4) == 0 {
				caller = lease.Tenant
			}
			err := svc.Terminate(ctx, caller.Caller(), lease.ID)
			if err := settle(ctx, stats, agreement.OpTerminate, err); err != nil {
				return err
			}
		}
		pause(40, 60)
	}
}

// DepositHolder flags executed agreements as holding a deposit. Deposit
// intake happens outside the engine, so it writes the flag directly.
func DepositHolder(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = pool.Exec(ctx, `
UPDATE rental_agreements SET deposit_paid = true, updated_at = now()
WHERE id = (SELECT id FROM rental_agreements WHERE executed AND NOT deposit_paid ORDER BY random() LIMIT 1)`)
		pause(50, 50)
	}
}

// Refunder returns held deposits, sometimes twice in a row.
func Refunder(ctx context.Context, svc *agreement.Service, book *Book, currency string, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		lease, ok := book.Pick()
		if ok {
			deposit := lease.Rent
			attempts := 1 + rand.Intn(2)
			for i := 0; i < attempts; i++ {
				err := svc.RefundDeposit(ctx, lease.Landlord.Caller(), currency, lease.ID, deposit)
				if err := settle(ctx, stats, agreement.OpRefundDeposit, err); err != nil {
					return err
				}
			}
		}
		pause(30, 40)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, failing one in ten to exercise retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pause(50, 10)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id::text FROM rental_outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(50, 10)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE rental_outbox SET attempts = attempts + 1 WHERE id::text = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE rental_outbox SET status = 'processed', attempts = attempts + 1 WHERE id::text = $1`, id)
		}
		_ = tx.Commit(ctx)
		pause(100, 1)
	}
}
