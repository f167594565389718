package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service wraps the Repository in its own transactions for callers that are
// not already inside one.
type Service struct {
	pool TxBeginner
	repo *Repository
}

func NewService(pool TxBeginner, repo *Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

// Deposit funds account and returns the transfer id.
func (s *Service) Deposit(ctx context.Context, currency, account string, amount int64, memo string) (string, error) {
	var id string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = s.repo.Deposit(ctx, tx, currency, account, amount, memo)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) Balance(ctx context.Context, currency, account string) (int64, error) {
	var amount int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		amount, err = s.repo.Balance(ctx, tx, currency, account)
		return err
	})
	return amount, err
}

func (s *Service) History(ctx context.Context, currency, account string, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entries, err = s.repo.History(ctx, tx, currency, account, limit)
		return err
	})
	return entries, err
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	return nil
}
