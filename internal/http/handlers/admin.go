package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"companion/internal/billing"
	"companion/internal/domain"
	"companion/internal/middleware"
)

const (
	defaultTxLimit = 50
	maxTxLimit     = 500
)

// Audit replays the account's transactions against its balance.
func (a *App) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := a.accountID(w, r)
	if !ok {
		return
	}
	audit, err := a.Ledger.Audit(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, audit)
}

// Transactions lists the most recent ledger records, oldest first.
func (a *App) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := a.accountID(w, r)
	if !ok {
		return
	}
	limit := defaultTxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = min(n, maxTxLimit)
	}
	txs, err := a.Ledger.Transactions(r.Context(), id, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		items = append(items, transactionResponse{ID: tx.ID, Kind: tx.Kind, Amount: tx.Amount, Note: tx.Note, CreatedAt: tx.CreatedAt})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

type grantRequest struct {
	Amount int64  `json:"amount"`
	Kind   string `json:"kind,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Grant credits an account. The kind defaults to admin_adjust.
func (a *App) Grant(w http.ResponseWriter, r *http.Request) {
	id, ok := a.accountID(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !a.decode(w, r, &req) {
		return
	}
	kind := domain.TxAdminAdjust
	if req.Kind != "" {
		kind = domain.TxKind(req.Kind)
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "admin " + adminSubject(r)
	}
	balance, err := a.Billing.GrantBonusCredits(r.Context(), id, req.Amount, kind, note)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger().Info().Int64("account_id", id).Int64("amount", req.Amount).Str("kind", string(kind)).Str("by", adminSubject(r)).Msg("http: credits granted")
	a.json(w, http.StatusOK, map[string]any{"account_id": id, "balance": balance})
}

type trialRequest struct {
	Tier string `json:"tier"`
	Days int    `json:"days,omitempty"`
}

// Trial puts the account on a paid tier for a limited number of days.
func (a *App) Trial(w http.ResponseWriter, r *http.Request) {
	id, ok := a.accountID(w, r)
	if !ok {
		return
	}
	var req trialRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.Billing.StartTrial(r.Context(), id, req.Tier, req.Days)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}

// PaymentEvent applies a normalized payment provider notification. Replays
// answer 200 so the provider stops retrying.
func (a *App) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	var ev billing.Event
	if !a.decode(w, r, &ev) {
		return
	}
	res, err := a.Billing.ApplySubscriptionEvent(r.Context(), ev)
	switch {
	case errors.Is(err, domain.ErrDuplicateOperation):
		a.json(w, http.StatusOK, map[string]any{"event_id": ev.ID, "duplicate": true})
	case err != nil:
		a.fail(w, r, err)
	default:
		a.json(w, http.StatusOK, res)
	}
}

func adminSubject(r *http.Request) string {
	if claims := middleware.ClaimsFromContext(r.Context()); claims != nil && claims.Sub != "" {
		return claims.Sub
	}
	return fmt.Sprintf("unknown@%s", middleware.ClientIP(r))
}
