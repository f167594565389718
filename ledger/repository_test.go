package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestTransfer_RejectsBadInputBeforeTouchingTx(t *testing.T) {
	repo := NewRepository()

	cases := []struct {
		name     string
		currency string
		from     string
		to       string
		amount   int64
		want     error
	}{
		{"lowercase currency", "usd", "a", "b", 10, ErrInvalidCurrency},
		{"long currency", "USDT", "a", "b", 10, ErrInvalidCurrency},
		{"zero amount", "USD", "a", "b", 0, ErrInvalidAmount},
		{"negative amount", "USD", "a", "b", -1, ErrInvalidAmount},
		{"missing source", "USD", "", "b", 10, ErrMissingAccount},
		{"self transfer", "USD", "a", "a", 10, ErrSameAccount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// A nil tx panics if touched, so reaching it fails the test.
			err := repo.Transfer(context.Background(), nil, tc.currency, tc.from, tc.to, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDeposit_RejectsBadInput(t *testing.T) {
	repo := NewRepository()
	if _, err := repo.Deposit(context.Background(), nil, "USD", "", 10, "seed"); !errors.Is(err, ErrMissingAccount) {
		t.Fatalf("expected ErrMissingAccount, got %v", err)
	}
	if _, err := repo.Deposit(context.Background(), nil, "EU", "a", 10, "seed"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
}

func TestValidCurrency(t *testing.T) {
	for currency, want := range map[string]bool{"USD": true, "TZS": true, "usd": false, "": false, "U$D": false} {
		if got := ValidCurrency(currency); got != want {
			t.Errorf("ValidCurrency(%q) = %v, want %v", currency, got, want)
		}
	}
}
