package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"companion/internal/billing"
	"companion/internal/domain"
	"companion/internal/gateway"
	"companion/internal/imagegen"
	"companion/internal/infra"
	"companion/internal/ledger"
	"companion/internal/memory"
	"companion/internal/policy"
	"companion/internal/session"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Session runs conversation turns.
type Session interface {
	HandleTurn(ctx context.Context, in session.Inbound) (*session.Outcome, error)
	Reset(accountID int64)
}

// Ledger is the read and bonus side of the credit ledger.
type Ledger interface {
	Account(ctx context.Context, accountID int64) (*domain.Account, error)
	ClaimDailyBonus(ctx context.Context, accountID int64) (bool, int64, error)
	Transactions(ctx context.Context, accountID int64, limit int) ([]domain.Transaction, error)
	Audit(ctx context.Context, accountID int64) (*ledger.Audit, error)
}

// Catalog describes prices and tiers.
type Catalog interface {
	Cost(op domain.Operation) (int64, error)
	Limits(tier domain.Tier) policy.Limits
	Plans() []policy.Plan
}

// Images renders pictures against the ledger.
type Images interface {
	Generate(ctx context.Context, req imagegen.Request) (*imagegen.Result, error)
	Batch(ctx context.Context, req imagegen.Request, count int) (*imagegen.BatchResult, error)
	Archive(images []*imagegen.Image) ([]byte, error)
}

// Billing applies payment events and admin grants.
type Billing interface {
	ApplySubscriptionEvent(ctx context.Context, ev billing.Event) (*billing.Result, error)
	GrantBonusCredits(ctx context.Context, accountID int64, amount int64, kind domain.TxKind, note string) (int64, error)
	StartTrial(ctx context.Context, accountID int64, tier string, days int) (*billing.Result, error)
}

// Gateway exposes completion health and the reply cache.
type Gateway interface {
	Health(ctx context.Context) gateway.Health
	Stats() gateway.Stats
	ClearCache() int
}

// MemoryStats reports the optional memory store.
type MemoryStats interface {
	Stats() (memory.Stats, error)
}

// App carries the collaborators every handler needs. Memory may be nil.
type App struct {
	Session Session
	Ledger  Ledger
	Catalog Catalog
	Images  Images
	Billing Billing
	Gateway Gateway
	Memory  MemoryStats
	Logger  *infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, msg string) {
	a.json(w, status, map[string]string{"error": code, "message": msg})
}

// fail maps a domain error to a status and a short localized message.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		a.logger().Error().Err(err).Str("path", r.URL.Path).Msg("http: request failed")
	}
	a.error(w, status, code, session.UserMessage(err, localeOf(r, "")))
}

func (a *App) logger() *infra.Logger {
	if a.Logger == nil {
		return infra.NopLogger()
	}
	return a.Logger
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}

func (a *App) accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid account id")
		return 0, false
	}
	return id, true
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, domain.ErrUnsupportedPlan):
		return http.StatusForbidden, "unsupported_plan"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicateOperation):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, domain.ErrGatewayRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrProviderFailure):
		return http.StatusBadGateway, "provider_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
