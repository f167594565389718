package agreement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the agreement table plus its id counter. Absence of a key is a
// normal outcome of Get.
type Store interface {
	NextID(ctx context.Context, tx pgx.Tx) (ID, error)
	Get(ctx context.Context, tx pgx.Tx, id ID) (Agreement, bool, error)
	Put(ctx context.Context, tx pgx.Tx, rec Agreement) error
	Delete(ctx context.Context, tx pgx.Tx, id ID) error
}

// Timeline records transition events next to the state change.
type Timeline interface {
	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
	ListEvents(ctx context.Context, tx pgx.Tx, id ID) ([]TimelineEvent, error)
}

// IdempotencyStore remembers which operation a client key was spent on.
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, rec IdempotencyRecord) (IdempotencyRecord, bool, error)
}

// TransferGateway moves value between two accounts inside tx. It fails on
// insufficient balance or invalid input and has no result on success.
type TransferGateway interface {
	Transfer(ctx context.Context, tx pgx.Tx, currency, from, to string, amount int64) error
}

// Authorizer checks that proof demonstrates control of account.
type Authorizer interface {
	Authorize(ctx context.Context, account, proof string) error
}

// Observer receives one call per finished operation and one per committed
// transfer.
type Observer interface {
	ObserveTransition(operation, outcome string)
	ObserveTransfer(currency string, amount int64)
}

// Service is the agreement lifecycle engine. Each operation is a single
// transaction: the transfer and the record write commit together or not at
// all.
type Service struct {
	pool     TxBeginner
	store    Store
	gateway  TransferGateway
	auth     Authorizer
	timeline Timeline
	idem     IdempotencyStore
	observer Observer
	logger   *slog.Logger
}

// NewService wires the engine. A nil store selects the PostgreSQL Repository,
// which then also serves as timeline and idempotency store.
func NewService(pool TxBeginner, store Store, gateway TransferGateway, auth Authorizer) *Service {
	s := &Service{
		pool:    pool,
		store:   store,
		gateway: gateway,
		auth:    auth,
		logger:  slog.Default(),
	}
	if store == nil {
		repo := NewRepository()
		s.store = repo
		s.timeline = repo
		s.idem = repo
	}
	return s
}

// WithTimeline sets where transition events are recorded.
func (s *Service) WithTimeline(t Timeline) *Service {
	s.timeline = t
	return s
}

// WithIdempotency sets the store that tracks spent client keys.
func (s *Service) WithIdempotency(store IdempotencyStore) *Service {
	s.idem = store
	return s
}

// WithObserver reports outcomes and committed transfers to o.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

// WithLogger replaces the default logger; nil is ignored.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches a client key to ctx. Replaying an operation
// with the same key, caller and arguments succeeds without repeating its
// writes or transfers.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the key attached by WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// errReplay unwinds a transaction whose idempotency key was already spent.
var errReplay = errors.New("agreement: replay")

type transferred struct {
	currency string
	amount   int64
}

// Create stores a new agreement and returns its id.
func (s *Service) Create(ctx context.Context, caller Caller, params CreateParams) (id ID, err error) {
	defer func() { s.finish(OpCreate, id, caller, err) }()

	if err := s.authorize(ctx, caller); err != nil {
		return 0, err
	}
	if params.Landlord == "" || params.Tenant == "" {
		return 0, fmt.Errorf("%w: landlord and tenant are required", ErrInvalidArgument)
	}
	if params.Landlord == params.Tenant {
		return 0, fmt.Errorf("%w: landlord and tenant cannot be the same", ErrInvalidArgument)
	}
	if params.RentAmount <= 0 {
		return 0, fmt.Errorf("%w: rent amount must be greater than zero", ErrInvalidArgument)
	}
	if params.DurationMonths == 0 {
		return 0, fmt.Errorf("%w: duration must be greater than zero", ErrInvalidArgument)
	}
	if params.DurationMonths > math.MaxInt32 {
		return 0, fmt.Errorf("%w: duration %d is out of range", ErrInvalidArgument, params.DurationMonths)
	}
	if params.StartDate > math.MaxInt64 {
		return 0, fmt.Errorf("%w: start date %d is out of range", ErrInvalidArgument, params.StartDate)
	}

	var replayed ID
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		next, err := s.store.NextID(ctx, tx)
		if err != nil {
			return err
		}

		if key := IdempotencyKeyFrom(ctx); key != "" {
			rec := IdempotencyRecord{
				Key:         key,
				Operation:   OpCreate,
				AgreementID: next,
				Caller:      caller.Account,
				Digest: digest(params.PropertyAddress, params.Landlord, params.Tenant,
					params.RentAmount, params.DurationMonths, params.StartDate),
			}
			prior, err := s.reserve(ctx, tx, rec)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.Operation != OpCreate {
					return keyReused(*prior)
				}
				if err := matchReplay(*prior, rec); err != nil {
					return err
				}
				replayed = prior.AgreementID
				return errReplay
			}
		}

		rec := Agreement{
			ID:              next,
			PropertyAddress: params.PropertyAddress,
			Landlord:        params.Landlord,
			Tenant:          params.Tenant,
			RentAmount:      params.RentAmount,
			DurationMonths:  params.DurationMonths,
			StartDate:       params.StartDate,
		}
		if err := s.store.Put(ctx, tx, rec); err != nil {
			return err
		}
		id = next

		return s.appendEvent(ctx, tx, Event{
			AgreementID: next,
			Type:        EventCreated,
			Actor:       caller.Account,
			Payload: map[string]any{
				"property_address": params.PropertyAddress,
				"landlord":         params.Landlord,
				"tenant":           params.Tenant,
				"rent_amount":      params.RentAmount,
				"duration_months":  params.DurationMonths,
				"start_date":       params.StartDate,
			},
		})
	})
	if errors.Is(err, errReplay) {
		return replayed, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Execute activates the agreement and moves the first rent from tenant to
// landlord. Any authorized caller may execute.
func (s *Service) Execute(ctx context.Context, caller Caller, currency string, id ID, currentDate uint64) (err error) {
	defer func() { s.finish(OpExecute, id, caller, err) }()

	if err := s.authorize(ctx, caller); err != nil {
		return err
	}
	if err := validateCurrency(currency); err != nil {
		return err
	}

	var moved []transferred
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.checkReplay(ctx, tx, OpExecute, id, caller, currency); err != nil {
			return err
		}

		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Executed {
			return fmt.Errorf("%w: agreement %d has already been executed", ErrInvalidState, id)
		}
		if currentDate < rec.StartDate {
			return fmt.Errorf("%w: agreement %d starts at %d, current date is %d", ErrInvalidState, id, rec.StartDate, currentDate)
		}

		if err := s.transfer(ctx, tx, currency, rec.Tenant, rec.Landlord, rec.RentAmount); err != nil {
			return err
		}
		moved = append(moved, transferred{currency: currency, amount: rec.RentAmount})

		rec.Executed = true
		if err := s.store.Put(ctx, tx, rec); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, Event{
			AgreementID: id,
			Type:        EventExecuted,
			Actor:       caller.Account,
			Payload: map[string]any{
				"currency":     currency,
				"amount":       rec.RentAmount,
				"current_date": currentDate,
			},
		})
	})
	return s.settle(err, moved)
}

// PayRent moves one rent payment from tenant to landlord. The record is not
// modified. Any authorized caller may pay.
func (s *Service) PayRent(ctx context.Context, caller Caller, currency string, id ID, amount int64) (err error) {
	defer func() { s.finish(OpPayRent, id, caller, err) }()

	if err := s.authorize(ctx, caller); err != nil {
		return err
	}
	if err := validateCurrency(currency); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: rent amount must be greater than zero", ErrInvalidArgument)
	}

	var moved []transferred
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.checkReplay(ctx, tx, OpPayRent, id, caller, currency, amount); err != nil {
			return err
		}

		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !rec.Executed {
			return fmt.Errorf("%w: agreement %d has not been executed", ErrInvalidState, id)
		}
		if amount != rec.RentAmount {
			return fmt.Errorf("%w: incorrect rent amount %d, expected %d", ErrInvalidArgument, amount, rec.RentAmount)
		}

		if err := s.transfer(ctx, tx, currency, rec.Tenant, rec.Landlord, amount); err != nil {
			return err
		}
		moved = append(moved, transferred{currency: currency, amount: amount})

		return s.appendEvent(ctx, tx, Event{
			AgreementID: id,
			Type:        EventRentPaid,
			Actor:       caller.Account,
			Payload: map[string]any{
				"currency": currency,
				"amount":   amount,
			},
		})
	})
	return s.settle(err, moved)
}

// Terminate deletes an executed agreement. Only the landlord may terminate.
func (s *Service) Terminate(ctx context.Context, caller Caller, id ID) (err error) {
	defer func() { s.finish(OpTerminate, id, caller, err) }()

	if err := s.authorize(ctx, caller); err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.checkReplay(ctx, tx, OpTerminate, id, caller); err != nil {
			return err
		}

		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !rec.Executed {
			return fmt.Errorf("%w: agreement %d has not been executed", ErrInvalidState, id)
		}
		if caller.Account != rec.Landlord {
			return fmt.Errorf("%w: only the landlord can terminate agreement %d", ErrNotAuthorized, id)
		}

		if err := s.store.Delete(ctx, tx, id); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, Event{
			AgreementID: id,
			Type:        EventTerminated,
			Actor:       caller.Account,
		})
	})
	return s.settle(err, nil)
}

// RefundDeposit returns the held deposit from landlord to tenant and clears
// the deposit flag. Only the landlord may refund.
func (s *Service) RefundDeposit(ctx context.Context, caller Caller, currency string, id ID, depositAmount int64) (err error) {
	defer func() { s.finish(OpRefundDeposit, id, caller, err) }()

	if err := s.authorize(ctx, caller); err != nil {
		return err
	}
	if err := validateCurrency(currency); err != nil {
		return err
	}
	if depositAmount <= 0 {
		return fmt.Errorf("%w: deposit amount must be greater than zero", ErrInvalidArgument)
	}

	var moved []transferred
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.checkReplay(ctx, tx, OpRefundDeposit, id, caller, currency, depositAmount); err != nil {
			return err
		}

		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !rec.Executed {
			return fmt.Errorf("%w: agreement %d has not been executed", ErrInvalidState, id)
		}
		if !rec.DepositPaid {
			return fmt.Errorf("%w: agreement %d holds no deposit", ErrInvalidState, id)
		}
		if caller.Account != rec.Landlord {
			return fmt.Errorf("%w: only the landlord can refund the deposit of agreement %d", ErrNotAuthorized, id)
		}

		if err := s.transfer(ctx, tx, currency, rec.Landlord, rec.Tenant, depositAmount); err != nil {
			return err
		}
		moved = append(moved, transferred{currency: currency, amount: depositAmount})

		rec.DepositPaid = false
		if err := s.store.Put(ctx, tx, rec); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, Event{
			AgreementID: id,
			Type:        EventDepositRefunded,
			Actor:       caller.Account,
			Payload: map[string]any{
				"currency": currency,
				"amount":   depositAmount,
			},
		})
	})
	return s.settle(err, moved)
}

// Get returns the current record, if any.
func (s *Service) Get(ctx context.Context, id ID) (Agreement, bool, error) {
	var (
		rec   Agreement
		found bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		rec, found, err = s.store.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return Agreement{}, false, err
	}
	return rec, found, nil
}

// Events returns the timeline of id, including events recorded before a
// termination.
func (s *Service) Events(ctx context.Context, id ID) ([]TimelineEvent, error) {
	if s.timeline == nil {
		return nil, fmt.Errorf("agreement: timeline not configured")
	}
	var events []TimelineEvent
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		events, err = s.timeline.ListEvents(ctx, tx, id)
		return err
	})
	return events, err
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit tx: %w", err)
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, caller Caller) error {
	if caller.Account == "" {
		return fmt.Errorf("%w: caller account missing", ErrNotAuthorized)
	}
	if err := s.auth.Authorize(ctx, caller.Account, caller.Proof); err != nil {
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, tx pgx.Tx, id ID) (Agreement, error) {
	rec, found, err := s.store.Get(ctx, tx, id)
	if err != nil {
		return Agreement{}, err
	}
	if !found {
		return Agreement{}, fmt.Errorf("%w: agreement %d does not exist", ErrNotFound, id)
	}
	return rec, nil
}

func (s *Service) transfer(ctx context.Context, tx pgx.Tx, currency, from, to string, amount int64) error {
	if err := s.gateway.Transfer(ctx, tx, currency, from, to, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	if s.timeline == nil {
		return nil
	}
	return s.timeline.AppendEvent(ctx, tx, ev)
}

// reserve returns the previously stored record when key was already spent.
func (s *Service) reserve(ctx context.Context, tx pgx.Tx, rec IdempotencyRecord) (*IdempotencyRecord, error) {
	if s.idem == nil {
		return nil, fmt.Errorf("agreement: idempotency keys not supported")
	}
	existing, reserved, err := s.idem.ReserveIdempotencyKey(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if reserved {
		return nil, nil
	}
	return &existing, nil
}

// checkReplay returns errReplay when ctx carries a key the same caller already
// spent on the same operation, agreement and arguments.
func (s *Service) checkReplay(ctx context.Context, tx pgx.Tx, op Operation, id ID, caller Caller, args ...any) error {
	key := IdempotencyKeyFrom(ctx)
	if key == "" {
		return nil
	}
	rec := IdempotencyRecord{
		Key:         key,
		Operation:   op,
		AgreementID: id,
		Caller:      caller.Account,
		Digest:      digest(args...),
	}
	prior, err := s.reserve(ctx, tx, rec)
	if err != nil {
		return err
	}
	if prior == nil {
		return nil
	}
	if prior.Operation != op || prior.AgreementID != id {
		return keyReused(*prior)
	}
	if err := matchReplay(*prior, rec); err != nil {
		return err
	}
	return errReplay
}

// matchReplay accepts a replay only from the original caller with the
// original arguments.
func matchReplay(prior, rec IdempotencyRecord) error {
	if prior.Caller != rec.Caller {
		return fmt.Errorf("%w: idempotency key %q belongs to another caller", ErrNotAuthorized, prior.Key)
	}
	if prior.Digest != rec.Digest {
		return fmt.Errorf("%w: idempotency key %q was used with different arguments", ErrInvalidArgument, prior.Key)
	}
	return nil
}

func keyReused(prior IdempotencyRecord) error {
	return fmt.Errorf("%w: idempotency key %q already used for %s on agreement %d", ErrInvalidArgument, prior.Key, prior.Operation, prior.AgreementID)
}

func digest(args ...any) string {
	h := sha256.New()
	for _, a := range args {
		fmt.Fprintf(h, "%T:%v\x00", a, a)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// settle turns a replay into success and reports committed transfers.
func (s *Service) settle(err error, moved []transferred) error {
	if errors.Is(err, errReplay) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.observer != nil {
		for _, m := range moved {
			s.observer.ObserveTransfer(m.currency, m.amount)
		}
	}
	return nil
}

func (s *Service) finish(op Operation, id ID, caller Caller, err error) {
	outcome := Outcome(err)
	if s.observer != nil {
		s.observer.ObserveTransition(string(op), outcome)
	}
	if err != nil {
		s.logger.Debug("agreement: transition rejected",
			"op", op, "agreement_id", uint64(id), "caller", caller.Account, "outcome", outcome, "error", err)
		return
	}
	s.logger.Info("agreement: transition committed",
		"op", op, "agreement_id", uint64(id), "caller", caller.Account)
}

func validateCurrency(currency string) error {
	if len(currency) != 3 {
		return fmt.Errorf("%w: currency %q must be a three-letter code", ErrInvalidArgument, currency)
	}
	for _, c := range currency {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("%w: currency %q must be upper-case letters", ErrInvalidArgument, currency)
		}
	}
	return nil
}
