package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong handle or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrMissingHandle signals an empty handle on registration.
	ErrMissingHandle = errors.New("auth: handle is required")
	// ErrProofMismatch signals a token that does not prove control of the claimed account.
	ErrProofMismatch = errors.New("auth: proof does not match account")
)

const tokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token   string
	Account Account
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// WithClock overrides the time source used for token issue and expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Register creates a new account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	handle := strings.TrimSpace(req.Handle)
	displayName := strings.TrimSpace(req.DisplayName)
	if handle == "" {
		return nil, ErrMissingHandle
	}
	if displayName == "" {
		displayName = handle
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	account, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Handle:       handle,
		DisplayName:  displayName,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}

	return &account, nil
}

// Login authenticates an account and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := s.repo.GetAccountByHandle(ctx, strings.TrimSpace(req.Handle))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password))
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(account.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token:   token,
		Account: account,
	}, nil
}

// GetAccountByID retrieves account information by ID.
func (s *Service) GetAccountByID(ctx context.Context, accountID string) (*Account, error) {
	account, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// VerifyToken validates a JWT token and returns the account ID.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		accountID, ok := claims["account_id"].(string)
		if !ok || accountID == "" {
			return "", fmt.Errorf("auth: invalid account_id in token")
		}
		return accountID, nil
	}

	return "", fmt.Errorf("auth: invalid token")
}

// Authorize reports whether proof is a valid token issued to account and the
// account still exists.
func (s *Service) Authorize(ctx context.Context, account, proof string) error {
	if account == "" || proof == "" {
		return ErrProofMismatch
	}
	subject, err := s.VerifyToken(proof)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProofMismatch, err)
	}
	if subject != account {
		return fmt.Errorf("%w: token issued to %s", ErrProofMismatch, subject)
	}
	if _, err := s.repo.GetAccountByID(ctx, account); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return fmt.Errorf("%w: %w", ErrProofMismatch, err)
		}
		return err
	}
	return nil
}

func (s *Service) generateToken(accountID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"account_id": accountID,
		"exp":        now.Add(tokenTTL).Unix(),
		"iat":        now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}
