package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrInvalidCurrency   = errors.New("ledger: invalid currency")
	ErrSameAccount       = errors.New("ledger: source and destination are the same account")
	ErrMissingAccount    = errors.New("ledger: account id required")
)

// Repository moves value between balances. All methods run in the caller's
// transaction so a transfer commits or aborts with the surrounding writes.
type Repository struct {
	idGenerator func() string
}

func NewRepository() *Repository {
	return &Repository{idGenerator: uuid.NewString}
}

func (r *Repository) WithIDGenerator(gen func() string) *Repository {
	r.idGenerator = gen
	return r
}

// Transfer debits from and credits to. Both balance rows are locked in
// account order so concurrent transfers between the same pair cannot
// deadlock.
func (r *Repository) Transfer(ctx context.Context, tx pgx.Tx, currency, from, to string, amount int64) error {
	if err := validate(currency, amount); err != nil {
		return err
	}
	if from == "" || to == "" {
		return ErrMissingAccount
	}
	if from == to {
		return ErrSameAccount
	}

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	for _, account := range []string{first, second} {
		if err := ensureBalance(ctx, tx, account, currency); err != nil {
			return err
		}
	}

	const lockSQL = `
SELECT account_id, amount FROM balances
WHERE account_id = ANY($1) AND currency = $2
ORDER BY account_id
FOR UPDATE;
`
	rows, err := tx.Query(ctx, lockSQL, []string{first, second}, currency)
	if err != nil {
		return fmt.Errorf("ledger: lock balances: %w", err)
	}
	locked := make(map[string]int64, 2)
	for rows.Next() {
		var (
			account string
			held    int64
		)
		if err := rows.Scan(&account, &held); err != nil {
			rows.Close()
			return fmt.Errorf("ledger: scan balance: %w", err)
		}
		locked[account] = held
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: lock balances: %w", err)
	}

	balance := locked[from]
	if balance < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientFunds, from, balance, currency, amount)
	}

	transferID := r.idGenerator()
	if _, err := tx.Exec(ctx, `
INSERT INTO transfers (id, currency, from_account, to_account, amount, memo)
VALUES ($1, $2, $3, $4, $5, 'transfer')`, transferID, currency, from, to, amount); err != nil {
		return fmt.Errorf("ledger: insert transfer: %w", err)
	}

	if err := move(ctx, tx, from, currency, -amount); err != nil {
		return err
	}
	if err := move(ctx, tx, to, currency, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, transferID, from, currency, Debit, amount); err != nil {
		return err
	}
	return insertEntry(ctx, tx, transferID, to, currency, Credit, amount)
}

// Deposit credits account from outside the ledger and returns the transfer id.
func (r *Repository) Deposit(ctx context.Context, tx pgx.Tx, currency, account string, amount int64, memo string) (string, error) {
	if err := validate(currency, amount); err != nil {
		return "", err
	}
	if account == "" {
		return "", ErrMissingAccount
	}
	if err := ensureBalance(ctx, tx, account, currency); err != nil {
		return "", err
	}

	transferID := r.idGenerator()
	if _, err := tx.Exec(ctx, `
INSERT INTO transfers (id, currency, from_account, to_account, amount, memo)
VALUES ($1, $2, NULL, $3, $4, $5)`, transferID, currency, account, amount, memo); err != nil {
		return "", fmt.Errorf("ledger: insert deposit: %w", err)
	}
	if err := move(ctx, tx, account, currency, amount); err != nil {
		return "", err
	}
	if err := insertEntry(ctx, tx, transferID, account, currency, Credit, amount); err != nil {
		return "", err
	}
	return transferID, nil
}

// Balance returns the current balance; unknown accounts hold zero.
func (r *Repository) Balance(ctx context.Context, tx pgx.Tx, currency, account string) (int64, error) {
	var amount int64
	err := tx.QueryRow(ctx, `SELECT amount FROM balances WHERE account_id = $1 AND currency = $2`, account, currency).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return amount, nil
}

// History returns the latest entries of account, newest first.
func (r *Repository) History(ctx context.Context, tx pgx.Tx, currency, account string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	const query = `
SELECT e.transfer_id::text, e.account_id, e.currency, e.direction, e.amount, t.memo, e.created_at
FROM entries e
JOIN transfers t ON t.id = e.transfer_id
WHERE e.account_id = $1 AND e.currency = $2
ORDER BY e.id DESC
LIMIT $3
`
	rows, err := tx.Query(ctx, query, account, currency, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e   Entry
			dir string
		)
		if err := rows.Scan(&e.TransferID, &e.AccountID, &e.Currency, &dir, &e.Amount, &e.Memo, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.Direction = Direction(dir)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return entries, nil
}

// ValidCurrency reports whether currency is a three-letter upper-case code.
func ValidCurrency(currency string) bool {
	if len(currency) != 3 {
		return false
	}
	for _, c := range currency {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func validate(currency string, amount int64) error {
	if !ValidCurrency(currency) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	return nil
}

func ensureBalance(ctx context.Context, tx pgx.Tx, account, currency string) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO balances (account_id, currency, amount)
VALUES ($1, $2, 0)
ON CONFLICT (account_id, currency) DO NOTHING`, account, currency); err != nil {
		return fmt.Errorf("ledger: open balance: %w", err)
	}
	return nil
}

func move(ctx context.Context, tx pgx.Tx, account, currency string, delta int64) error {
	if _, err := tx.Exec(ctx, `
UPDATE balances
SET amount = amount + $1, updated_at = now()
WHERE account_id = $2 AND currency = $3`, delta, account, currency); err != nil {
		return fmt.Errorf("ledger: update balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, transferID, account, currency string, dir Direction, amount int64) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO entries (transfer_id, account_id, currency, direction, amount)
VALUES ($1, $2, $3, $4, $5)`, transferID, account, currency, string(dir), amount); err != nil {
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	return nil
}
