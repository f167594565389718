package auth

import "time"

// Account is a party that can sign for agreement operations and hold ledger
// balances. Its ID is the identity used as landlord or tenant.
type Account struct {
	ID           string
	Handle       string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Handle      string `json:"handle"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}
