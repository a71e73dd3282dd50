package handlers

import (
	"net/http"
	"strings"

	"companion/internal/domain"
	"companion/internal/middleware"
	"companion/internal/session"
)

type turnRequest struct {
	AccountID int64  `json:"account_id"`
	Text      string `json:"text"`
	Locale    string `json:"locale,omitempty"`
}

type turnResponse struct {
	*session.Outcome
	Locale string `json:"locale"`
}

// Chat runs one conversational turn.
func (a *App) Chat(w http.ResponseWriter, r *http.Request) {
	a.turn(w, r, domain.OpChat)
}

// Create runs one content creation turn.
func (a *App) Create(w http.ResponseWriter, r *http.Request) {
	a.turn(w, r, domain.OpCreateText)
}

func (a *App) turn(w http.ResponseWriter, r *http.Request, op domain.Operation) {
	var req turnRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.AccountID <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "account_id required")
		return
	}
	locale := localeOf(r, req.Locale)
	out, err := a.Session.HandleTurn(r.Context(), session.Inbound{
		AccountID: req.AccountID,
		Text:      req.Text,
		Locale:    locale,
		Operation: op,
	})
	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			a.logger().Error().Err(err).Int64("account_id", req.AccountID).Str("operation", string(op)).Msg("http: turn failed")
		}
		a.error(w, status, code, session.UserMessage(err, locale))
		return
	}
	a.json(w, http.StatusOK, turnResponse{Outcome: out, Locale: locale})
}

// Reset clears the account's conversation window.
func (a *App) Reset(w http.ResponseWriter, r *http.Request) {
	id, ok := a.accountID(w, r)
	if !ok {
		return
	}
	a.Session.Reset(id)
	w.WriteHeader(http.StatusNoContent)
}

// localeOf prefers an explicit locale over the one the I18N middleware
// detected.
func localeOf(r *http.Request, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return session.Lang(v)
	}
	return middleware.LocaleFromContext(r.Context())
}
