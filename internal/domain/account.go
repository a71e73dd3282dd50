package domain

import (
	"strings"
	"time"
)

const (
	// InitialBalance is granted to every account on first contact.
	InitialBalance int64 = 100
	// DailyBonus is granted at most once per calendar day.
	DailyBonus int64 = 45
)

// Tier enumerates subscription tiers.
type Tier string

const (
	TierFree   Tier = "free"
	TierBasic  Tier = "basic"
	TierPro    Tier = "pro"
	TierAgency Tier = "agency"
)

// ParseTier trims and lowercases s and reports whether it names a known tier.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierFree, TierBasic, TierPro, TierAgency:
		return t, true
	default:
		return "", false
	}
}

// TxKind enumerates ledger transaction kinds.
type TxKind string

const (
	TxGrant              TxKind = "grant"
	TxDailyBonus         TxKind = "daily_bonus"
	TxConsume            TxKind = "consume"
	TxRefund             TxKind = "refund"
	TxSubscriptionChange TxKind = "subscription_change"
	TxAdminAdjust        TxKind = "admin_adjust"
	TxPurchase           TxKind = "purchase"
)

// Account is the ledger identity of one end user, keyed by platform user id.
type Account struct {
	ID             int64
	Balance        int64
	Tier           Tier
	TierExpiresAt  *time.Time
	LastDailyBonus *time.Time
	CreatedAt      time.Time
}

// SubscriptionExpired reports whether a paid tier has lapsed at now.
func (a Account) SubscriptionExpired(now time.Time) bool {
	if a.Tier == TierFree || a.Tier == "" || a.TierExpiresAt == nil {
		return false
	}
	return !now.Before(*a.TierExpiresAt)
}

// Transaction is an immutable ledger record. Amount is negative for consumption.
type Transaction struct {
	ID        int64
	AccountID int64
	Kind      TxKind
	Amount    int64
	Note      string
	CreatedAt time.Time
}

// Day truncates t to its calendar date in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
