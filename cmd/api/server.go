package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/ledger"
)

type agreementService interface {
	Create(ctx context.Context, caller agreement.Caller, params agreement.CreateParams) (agreement.ID, error)
	Execute(ctx context.Context, caller agreement.Caller, currency string, id agreement.ID, currentDate uint64) error
	PayRent(ctx context.Context, caller agreement.Caller, currency string, id agreement.ID, amount int64) error
	Terminate(ctx context.Context, caller agreement.Caller, id agreement.ID) error
	RefundDeposit(ctx context.Context, caller agreement.Caller, currency string, id agreement.ID, depositAmount int64) error
	Get(ctx context.Context, id agreement.ID) (agreement.Agreement, bool, error)
	Events(ctx context.Context, id agreement.ID) ([]agreement.TimelineEvent, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, error)
}

type ledgerService interface {
	Deposit(ctx context.Context, currency, account string, amount int64, memo string) (string, error)
	Balance(ctx context.Context, currency, account string) (int64, error)
}

type ctxKey string

const (
	ctxKeyAccountID ctxKey = "account_id"
	ctxKeyToken     ctxKey = "token"
)

// Server exposes the agreement engine, accounts and the ledger over HTTP.
type Server struct {
	agreementService agreementService
	authService      authService
	ledgerService    ledgerService
	gatherer         prometheus.Gatherer
	logger           *slog.Logger
	now              func() time.Time
	allowDeposits    bool
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireBearer)

			r.Post("/agreements", s.handleCreateAgreement)
			r.Get("/agreements/{id}", s.handleGetAgreement)
			r.Get("/agreements/{id}/events", s.handleAgreementEvents)
			r.Post("/agreements/{id}/execute", s.handleExecuteAgreement)
			r.Post("/agreements/{id}/rent", s.handlePayRent)
			r.Post("/agreements/{id}/terminate", s.handleTerminateAgreement)
			r.Post("/agreements/{id}/deposit/refund", s.handleRefundDeposit)

			if s.allowDeposits {
				r.Post("/ledger/deposits", s.handleLedgerDeposit)
			}
			r.Get("/ledger/balances/{currency}", s.handleLedgerBalance)
		})
	})
	return r
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// requireBearer verifies the bearer token and stores its subject and raw
// value in the request context.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		accountID, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAccountID, accountID)
		ctx = context.WithValue(ctx, ctxKeyToken, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type registerRequest struct {
	Handle      string `json:"handle"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type accountResponse struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	CreatedAt   string `json:"createdAt"`
}

func toAccountResponse(a auth.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Handle:      a.Handle,
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := s.authService.Register(r.Context(), auth.RegisterRequest{
		Handle:      req.Handle,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateHandle):
			writeError(w, http.StatusConflict, "handle already registered")
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrMissingHandle):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.internalError(w, "register", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(*account))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   res.Token,
		"account": toAccountResponse(res.Account),
	})
}

type createAgreementRequest struct {
	From            string `json:"from"`
	PropertyAddress string `json:"propertyAddress"`
	Landlord        string `json:"landlord"`
	Tenant          string `json:"tenant"`
	RentAmount      int64  `json:"rentAmount"`
	DurationMonths  uint32 `json:"durationMonths"`
	StartDate       uint64 `json:"startDate"`
}

type agreementResponse struct {
	ID              agreement.ID `json:"id"`
	PropertyAddress string       `json:"propertyAddress"`
	Landlord        string       `json:"landlord"`
	Tenant          string       `json:"tenant"`
	RentAmount      int64        `json:"rentAmount"`
	DurationMonths  uint32       `json:"durationMonths"`
	StartDate       uint64       `json:"startDate"`
	Executed        bool         `json:"executed"`
	DepositPaid     bool         `json:"depositPaid"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.agreementService.Create(s.operationContext(r), callerFrom(r, req.From), agreement.CreateParams{
		PropertyAddress: req.PropertyAddress,
		Landlord:        req.Landlord,
		Tenant:          req.Tenant,
		RentAmount:      req.RentAmount,
		DurationMonths:  req.DurationMonths,
		StartDate:       req.StartDate,
	})
	if err != nil {
		s.agreementError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]agreement.ID{"id": id})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	rec, found, err := s.agreementService.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, "get agreement", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "agreement not found")
		return
	}
	writeJSON(w, http.StatusOK, agreementResponse{
		ID:              rec.ID,
		PropertyAddress: rec.PropertyAddress,
		Landlord:        rec.Landlord,
		Tenant:          rec.Tenant,
		RentAmount:      rec.RentAmount,
		DurationMonths:  rec.DurationMonths,
		StartDate:       rec.StartDate,
		Executed:        rec.Executed,
		DepositPaid:     rec.DepositPaid,
	})
}

type eventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Actor     *string         `json:"actor,omitempty"`
	CreatedAt string          `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleAgreementEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	events, err := s.agreementService.Events(r.Context(), id)
	if err != nil {
		s.internalError(w, "agreement events", err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, eventResponse{
			Seq:       ev.Seq,
			Type:      string(ev.Type),
			Actor:     ev.Actor,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
			Payload:   ev.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type executeRequest struct {
	From        string  `json:"from"`
	Currency    string  `json:"currency"`
	CurrentDate *uint64 `json:"currentDate"`
}

func (s *Server) handleExecuteAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	currentDate := uint64(s.clock().Unix())
	if req.CurrentDate != nil {
		currentDate = *req.CurrentDate
	}
	err := s.agreementService.Execute(s.operationContext(r), callerFrom(r, req.From), req.Currency, id, currentDate)
	s.agreementResult(w, err)
}

type payRentRequest struct {
	From     string `json:"from"`
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (s *Server) handlePayRent(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req payRentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.agreementService.PayRent(s.operationContext(r), callerFrom(r, req.From), req.Currency, id, req.Amount)
	s.agreementResult(w, err)
}

type terminateRequest struct {
	From string `json:"from"`
}

func (s *Server) handleTerminateAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req terminateRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	err := s.agreementService.Terminate(s.operationContext(r), callerFrom(r, req.From), id)
	s.agreementResult(w, err)
}

type refundRequest struct {
	From          string `json:"from"`
	Currency      string `json:"currency"`
	DepositAmount int64  `json:"depositAmount"`
}

func (s *Server) handleRefundDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.agreementService.RefundDeposit(s.operationContext(r), callerFrom(r, req.From), req.Currency, id, req.DepositAmount)
	s.agreementResult(w, err)
}

type depositRequest struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
	Memo     string `json:"memo"`
}

func (s *Server) handleLedgerDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account := accountFromContext(r.Context())
	transferID, err := s.ledgerService.Deposit(r.Context(), req.Currency, account, req.Amount, req.Memo)
	if err != nil {
		s.ledgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"transferId": transferID})
}

func (s *Server) handleLedgerBalance(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	account := accountFromContext(r.Context())
	amount, err := s.ledgerService.Balance(r.Context(), currency, account)
	if err != nil {
		s.ledgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":  account,
		"currency": currency,
		"amount":   amount,
	})
}

// operationContext carries the Idempotency-Key header into the engine.
func (s *Server) operationContext(r *http.Request) context.Context {
	ctx := r.Context()
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		ctx = agreement.WithIdempotencyKey(ctx, key)
	}
	return ctx
}

func (s *Server) agreementResult(w http.ResponseWriter, err error) {
	if err != nil {
		s.agreementError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) agreementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, agreement.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agreement.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agreement.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agreement.ErrTransferFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.internalError(w, "agreement operation", err)
	}
}

func (s *Server) ledgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCurrency),
		errors.Is(err, ledger.ErrMissingAccount):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, "ledger", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log().Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// callerFrom builds the caller from the claimed account and the bearer token.
// An empty claim defaults to the token's own subject.
func callerFrom(r *http.Request, from string) agreement.Caller {
	account := strings.TrimSpace(from)
	if account == "" {
		account = accountFromContext(r.Context())
	}
	token, _ := r.Context().Value(ctxKeyToken).(string)
	return agreement.Caller{Account: account, Proof: token}
}

func accountFromContext(ctx context.Context) string {
	accountID, _ := ctx.Value(ctxKeyAccountID).(string)
	return accountID
}

func agreementID(w http.ResponseWriter, r *http.Request) (agreement.ID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid agreement id")
		return 0, false
	}
	return agreement.ID(id), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
