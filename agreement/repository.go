package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
)

// counterKey is the sentinel row holding the last issued agreement id.
const counterKey = "agreement_id"

// Repository is the PostgreSQL Store. Every method runs inside the caller's
// transaction so the engine decides when writes become visible.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// NextID bumps the counter, creating it on first use.
func (r *Repository) NextID(ctx context.Context, tx pgx.Tx) (ID, error) {
	const upsertSQL = `
INSERT INTO rental_counters (key, value)
VALUES ($1, 1)
ON CONFLICT (key) DO UPDATE SET value = rental_counters.value + 1
RETURNING value;
`
	var next int64
	if err := tx.QueryRow(ctx, upsertSQL, counterKey).Scan(&next); err != nil {
		return 0, fmt.Errorf("agreement: next id: %w", err)
	}
	return ID(next), nil
}

// Get loads and locks the agreement row. A missing row is reported through
// the boolean, not as an error.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id ID) (Agreement, bool, error) {
	if id == 0 || uint64(id) > math.MaxInt64 {
		return Agreement{}, false, nil
	}

	const selectSQL = `
SELECT id, property_address, landlord, tenant, rent_amount, duration_months, start_date, executed, deposit_paid
FROM rental_agreements
WHERE id = $1
FOR UPDATE;
`
	var (
		rec       Agreement
		rowID     int64
		duration  int32
		startDate int64
	)
	err := tx.QueryRow(ctx, selectSQL, int64(id)).Scan(
		&rowID,
		&rec.PropertyAddress,
		&rec.Landlord,
		&rec.Tenant,
		&rec.RentAmount,
		&duration,
		&startDate,
		&rec.Executed,
		&rec.DepositPaid,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, false, nil
		}
		return Agreement{}, false, fmt.Errorf("agreement: load %d: %w", id, err)
	}

	rec.ID = ID(rowID)
	rec.DurationMonths = uint32(duration)
	rec.StartDate = uint64(startDate)
	return rec, true, nil
}

// Put inserts or overwrites the agreement row.
func (r *Repository) Put(ctx context.Context, tx pgx.Tx, rec Agreement) error {
	if uint64(rec.ID) > math.MaxInt64 || rec.StartDate > math.MaxInt64 || rec.DurationMonths > math.MaxInt32 {
		return fmt.Errorf("agreement: %d: value out of storable range", rec.ID)
	}

	const upsertSQL = `
INSERT INTO rental_agreements (id, property_address, landlord, tenant, rent_amount, duration_months, start_date, executed, deposit_paid)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE
SET property_address = EXCLUDED.property_address,
    landlord         = EXCLUDED.landlord,
    tenant           = EXCLUDED.tenant,
    rent_amount      = EXCLUDED.rent_amount,
    duration_months  = EXCLUDED.duration_months,
    start_date       = EXCLUDED.start_date,
    executed         = EXCLUDED.executed,
    deposit_paid     = EXCLUDED.deposit_paid,
    updated_at       = now();
`
	if _, err := tx.Exec(ctx, upsertSQL,
		int64(rec.ID),
		rec.PropertyAddress,
		rec.Landlord,
		rec.Tenant,
		rec.RentAmount,
		int32(rec.DurationMonths),
		int64(rec.StartDate),
		rec.Executed,
		rec.DepositPaid,
	); err != nil {
		return fmt.Errorf("agreement: put %d: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the agreement row; deleting an absent id is a no-op.
func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, id ID) error {
	if uint64(id) > math.MaxInt64 {
		return nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rental_agreements WHERE id = $1`, int64(id)); err != nil {
		return fmt.Errorf("agreement: delete %d: %w", id, err)
	}
	return nil
}

// AppendEvent writes the timeline row and its outbox message.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.AgreementID == 0 {
		return fmt.Errorf("agreement: event missing agreement id")
	}

	payload := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["agreement_id"] = uint64(ev.AgreementID)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}

	var actor any
	if ev.Actor != "" {
		actor = ev.Actor
	}

	const insertSQL = `
INSERT INTO rental_timeline (agreement_id, seq, type, actor, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
FROM rental_timeline
WHERE agreement_id = $1;
`
	if _, err := tx.Exec(ctx, insertSQL, int64(ev.AgreementID), string(ev.Type), actor, body); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}

	return enqueueOutbox(ctx, tx, topicFor(ev.Type), payload)
}

// ListEvents returns the timeline of an agreement in sequence order.
func (r *Repository) ListEvents(ctx context.Context, tx pgx.Tx, id ID) ([]TimelineEvent, error) {
	const selectSQL = `
SELECT id, agreement_id, seq, type, actor, created_at, payload
FROM rental_timeline
WHERE agreement_id = $1
ORDER BY seq ASC;
`
	rows, err := tx.Query(ctx, selectSQL, int64(id))
	if err != nil {
		return nil, fmt.Errorf("agreement: list events: %w", err)
	}
	defer rows.Close()

	events := []TimelineEvent{}
	for rows.Next() {
		var (
			ev      TimelineEvent
			agID    int64
			evType  string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &agID, &ev.Seq, &evType, &ev.Actor, &ev.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("agreement: scan event: %w", err)
		}
		ev.AgreementID = ID(agID)
		ev.Type = EventType(evType)
		ev.Payload = payload
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate events: %w", err)
	}
	return events, nil
}

// ReserveIdempotencyKey stores rec under its key. When the key is already
// taken the stored record is returned with reserved == false.
func (r *Repository) ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, rec IdempotencyRecord) (IdempotencyRecord, bool, error) {
	if rec.Key == "" {
		return IdempotencyRecord{}, false, fmt.Errorf("agreement: empty idempotency key")
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO rental_idempotency (key, operation, agreement_id, caller, request_digest)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO NOTHING
`, rec.Key, string(rec.Operation), int64(rec.AgreementID), rec.Caller, rec.Digest)
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("agreement: insert idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	var (
		existing IdempotencyRecord
		op       string
		agID     int64
	)
	const selectSQL = `
SELECT operation, agreement_id, caller, request_digest
FROM rental_idempotency
WHERE key = $1;
`
	if err := tx.QueryRow(ctx, selectSQL, rec.Key).Scan(&op, &agID, &existing.Caller, &existing.Digest); err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("agreement: load idempotency key: %w", err)
	}
	existing.Key = rec.Key
	existing.Operation = Operation(op)
	existing.AgreementID = ID(agID)
	return existing, false, nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO rental_outbox (topic, payload)
VALUES ($1, $2::jsonb);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("agreement: insert outbox message: %w", err)
	}
	return nil
}
