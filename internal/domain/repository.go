package domain

import (
	"context"
	"time"
)

// PaymentEvent is a subscription change coming from the payment provider.
// Bonus may be zero.
type PaymentEvent struct {
	ID        string
	AccountID int64
	Tier      Tier
	ExpiresAt *time.Time
	Bonus     int64
	Note      string
}

// LedgerRepository persists accounts and their append-only transaction log.
// Every mutating method is atomic for a single account.
type LedgerRepository interface {
	// EnsureAccount creates the account with InitialBalance when missing and
	// reports whether it was created by this call.
	EnsureAccount(ctx context.Context, id int64) (*Account, bool, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	Credit(ctx context.Context, id int64, amount int64, kind TxKind, note string) (int64, error)
	// DebitIfAffordable subtracts amount iff the balance covers it.
	DebitIfAffordable(ctx context.Context, id int64, amount int64, kind TxKind, note string) (bool, int64, error)
	// ClaimDailyBonus grants amount iff no bonus was claimed on day.
	ClaimDailyBonus(ctx context.Context, id int64, day time.Time, amount int64) (bool, int64, error)
	SetSubscription(ctx context.Context, id int64, tier Tier, expiresAt *time.Time) error
	Transactions(ctx context.Context, id int64, limit int) ([]Transaction, error)
	// ApplyPaymentEvent records ev.ID, sets the tier and credits ev.Bonus as a
	// purchase in one atomic unit. A replayed id changes nothing and reports
	// false with the current balance.
	ApplyPaymentEvent(ctx context.Context, ev PaymentEvent) (bool, int64, error)
	Close() error
}
