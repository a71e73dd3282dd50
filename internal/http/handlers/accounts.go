package handlers

import (
	"net/http"
	"time"

	"companion/internal/domain"
	"companion/internal/policy"
)

type accountResponse struct {
	ID             int64         `json:"id"`
	Balance        int64         `json:"balance"`
	Tier           domain.Tier   `json:"tier"`
	TierExpiresAt  *time.Time    `json:"tier_expires_at,omitempty"`
	LastDailyBonus *time.Time    `json:"last_daily_bonus,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Plan           policy.Limits `json:"plan"`
}

type transactionResponse struct {
	ID        int64         `json:"id"`
	Kind      domain.TxKind `json:"kind"`
	Amount    int64         `json:"amount"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

func (a *App) accountView(acc *domain.Account) accountResponse {
	return accountResponse{
		ID:             acc.ID,
		Balance:        acc.Balance,
		Tier:           acc.Tier,
		TierExpiresAt:  acc.TierExpiresAt,
		LastDailyBonus: acc.LastDailyBonus,
		CreatedAt:      acc.CreatedAt,
		Plan:           a.Catalog.Limits(acc.Tier),
	}
}

// Account returns balance and tier, creating the account on first contact.
func (a *App) Account(w http.ResponseWriter, r *http.Request) {
	id, ok := a.accountID(w, r)
	if !ok {
		return
	}
	acc, err := a.Ledger.Account(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, a.accountView(acc))
}

// DailyBonus claims today's bonus. A second claim on the same day answers
// 200 with granted=false.
func (a *App) DailyBonus(w http.ResponseWriter, r *http.Request) {
	id, ok := a.accountID(w, r)
	if !ok {
		return
	}
	granted, balance, err := a.Ledger.ClaimDailyBonus(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := map[string]any{"granted": granted, "balance": balance}
	if granted {
		resp["amount"] = domain.DailyBonus
	}
	a.json(w, http.StatusOK, resp)
}

// Plans lists tiers and operation prices.
func (a *App) Plans(w http.ResponseWriter, r *http.Request) {
	costs := make(map[domain.Operation]int64)
	for _, op := range []domain.Operation{domain.OpChat, domain.OpCreateText, domain.OpImage, domain.OpCreateImage} {
		if cost, err := a.Catalog.Cost(op); err == nil {
			costs[op] = cost
		}
	}
	a.json(w, http.StatusOK, map[string]any{"plans": a.Catalog.Plans(), "costs": costs})
}
