package ledger

import "time"

// Direction of an entry relative to its account.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Entry is one side of a transfer as seen from a single account.
type Entry struct {
	TransferID string
	AccountID  string
	Currency   string
	Direction  Direction
	Amount     int64
	Memo       string
	CreatedAt  time.Time
}
