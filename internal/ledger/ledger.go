// Package ledger is the credit ledger: balances, atomic debits, refunds,
// daily bonuses and subscription state on top of a domain.LedgerRepository.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"companion/internal/domain"
	"companion/internal/infra"
	"companion/internal/infra/metrics"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Ledger wraps a repository with validation, logging and storage error
// classification. It holds no locks of its own; atomicity is the repository's.
type Ledger struct {
	repo   domain.LedgerRepository
	clock  Clock
	logger *infra.Logger
}

// Options configures a Ledger.
type Options struct {
	Clock  Clock
	Logger *infra.Logger
}

// New builds a Ledger over repo.
func New(repo domain.LedgerRepository, opts Options) *Ledger {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	l := logger.With().Str("component", "ledger").Logger()
	return &Ledger{repo: repo, clock: clock, logger: &l}
}

// Audit is the result of replaying an account's transaction log.
type Audit struct {
	AccountID    int64 `json:"account_id"`
	Balance      int64 `json:"balance"`
	LedgerSum    int64 `json:"ledger_sum"`
	Transactions int   `json:"transactions"`
	Consistent   bool  `json:"consistent"`
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.clock.Now() }

// GetBalance returns the balance, creating the account on first contact.
func (l *Ledger) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	acc, err := l.ensure(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// Account returns the account, creating it when absent and reverting a lapsed
// subscription to the free tier.
func (l *Ledger) Account(ctx context.Context, accountID int64) (*domain.Account, error) {
	acc, err := l.ensure(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.SubscriptionExpired(l.clock.Now()) {
		l.logger.Info().Int64("account_id", accountID).Str("previous_tier", string(acc.Tier)).Msg("ledger: subscription expired")
		if err := l.SetSubscription(ctx, accountID, domain.TierFree, nil); err != nil {
			return nil, err
		}
		acc.Tier = domain.TierFree
		acc.TierExpiresAt = nil
	}
	return acc, nil
}

// Credit increases the balance by amount and records a transaction of kind.
func (l *Ledger) Credit(ctx context.Context, accountID int64, amount int64, kind domain.TxKind, note string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive, got %d", domain.ErrValidation, amount)
	}
	if err := l.checkHeadroom(ctx, accountID, amount); err != nil {
		return 0, err
	}
	balance, err := l.repo.Credit(ctx, accountID, amount, kind, note)
	if err != nil {
		metrics.LedgerOpsTotal.WithLabelValues("credit", "error").Inc()
		return 0, l.storageErr("credit", accountID, err)
	}
	metrics.LedgerOpsTotal.WithLabelValues("credit", "ok").Inc()
	metrics.CreditsFlow.WithLabelValues(string(kind)).Add(float64(amount))
	l.logger.Debug().Int64("account_id", accountID).Int64("amount", amount).Str("kind", string(kind)).Int64("balance", balance).Msg("ledger: credited")
	return balance, nil
}

// DebitIfAffordable atomically subtracts amount iff the balance covers it.
// It is the only sanctioned way to spend credits.
func (l *Ledger) DebitIfAffordable(ctx context.Context, accountID int64, amount int64, note string) (bool, int64, error) {
	if amount <= 0 {
		return false, 0, fmt.Errorf("%w: debit amount must be positive, got %d", domain.ErrValidation, amount)
	}
	ok, balance, err := l.repo.DebitIfAffordable(ctx, accountID, amount, domain.TxConsume, note)
	if err != nil {
		metrics.LedgerOpsTotal.WithLabelValues("debit", "error").Inc()
		return false, 0, l.storageErr("debit", accountID, err)
	}
	if !ok {
		metrics.LedgerOpsTotal.WithLabelValues("debit", "declined").Inc()
		return false, balance, nil
	}
	metrics.LedgerOpsTotal.WithLabelValues("debit", "ok").Inc()
	metrics.CreditsFlow.WithLabelValues(string(domain.TxConsume)).Add(float64(amount))
	return true, balance, nil
}

// ClaimDailyBonus grants domain.DailyBonus once per calendar day.
func (l *Ledger) ClaimDailyBonus(ctx context.Context, accountID int64) (bool, int64, error) {
	granted, balance, err := l.repo.ClaimDailyBonus(ctx, accountID, domain.Day(l.clock.Now()), domain.DailyBonus)
	if err != nil {
		metrics.LedgerOpsTotal.WithLabelValues("daily_bonus", "error").Inc()
		return false, 0, l.storageErr("daily bonus", accountID, err)
	}
	if granted {
		metrics.LedgerOpsTotal.WithLabelValues("daily_bonus", "ok").Inc()
		metrics.CreditsFlow.WithLabelValues(string(domain.TxDailyBonus)).Add(float64(domain.DailyBonus))
		l.logger.Info().Int64("account_id", accountID).Int64("balance", balance).Msg("ledger: daily bonus granted")
	} else {
		metrics.LedgerOpsTotal.WithLabelValues("daily_bonus", "declined").Inc()
	}
	return granted, balance, nil
}

// SetSubscription changes the tier and records a zero-amount transaction.
func (l *Ledger) SetSubscription(ctx context.Context, accountID int64, tier domain.Tier, expiresAt *time.Time) error {
	parsed, ok := domain.ParseTier(string(tier))
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedPlan, tier)
	}
	tier = parsed
	if err := l.repo.SetSubscription(ctx, accountID, tier, expiresAt); err != nil {
		return l.storageErr("set subscription", accountID, err)
	}
	ev := l.logger.Info().Int64("account_id", accountID).Str("tier", string(tier))
	if expiresAt != nil {
		ev = ev.Time("expires_at", *expiresAt)
	}
	ev.Msg("ledger: subscription changed")
	return nil
}

// Transactions returns up to limit of the most recent transactions, oldest first.
func (l *Ledger) Transactions(ctx context.Context, accountID int64, limit int) ([]domain.Transaction, error) {
	txs, err := l.repo.Transactions(ctx, accountID, limit)
	if err != nil {
		return nil, l.storageErr("list transactions", accountID, err)
	}
	return txs, nil
}

// ApplyPaymentEvent applies a subscription change and its bonus as one
// unit. It returns domain.ErrDuplicateOperation when the event id was seen
// before; a failed apply leaves no trace, so the event can be retried.
func (l *Ledger) ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (int64, error) {
	tier, ok := domain.ParseTier(string(ev.Tier))
	if !ok {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnsupportedPlan, ev.Tier)
	}
	ev.Tier = tier
	if ev.Bonus < 0 {
		return 0, fmt.Errorf("%w: bonus must not be negative, got %d", domain.ErrValidation, ev.Bonus)
	}
	if ev.Bonus > 0 {
		if err := l.checkHeadroom(ctx, ev.AccountID, ev.Bonus); err != nil {
			return 0, err
		}
	}
	applied, balance, err := l.repo.ApplyPaymentEvent(ctx, ev)
	if err != nil {
		metrics.LedgerOpsTotal.WithLabelValues("payment_event", "error").Inc()
		return 0, l.storageErr("payment event", ev.AccountID, err)
	}
	if !applied {
		metrics.LedgerOpsTotal.WithLabelValues("payment_event", "declined").Inc()
		return balance, fmt.Errorf("%w: event %s", domain.ErrDuplicateOperation, ev.ID)
	}
	metrics.LedgerOpsTotal.WithLabelValues("payment_event", "ok").Inc()
	if ev.Bonus > 0 {
		metrics.CreditsFlow.WithLabelValues(string(domain.TxPurchase)).Add(float64(ev.Bonus))
	}
	log := l.logger.Info().Int64("account_id", ev.AccountID).Str("event_id", ev.ID).Str("tier", string(ev.Tier)).Int64("bonus", ev.Bonus)
	if ev.ExpiresAt != nil {
		log = log.Time("expires_at", *ev.ExpiresAt)
	}
	log.Int64("balance", balance).Msg("ledger: payment event applied")
	return balance, nil
}

// Audit replays the full transaction log and compares it with the balance.
func (l *Ledger) Audit(ctx context.Context, accountID int64) (*Audit, error) {
	acc, err := l.repo.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, l.storageErr("audit", accountID, err)
	}
	txs, err := l.repo.Transactions(ctx, accountID, 0)
	if err != nil {
		return nil, l.storageErr("audit", accountID, err)
	}
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	audit := &Audit{
		AccountID:    accountID,
		Balance:      acc.Balance,
		LedgerSum:    sum,
		Transactions: len(txs),
		Consistent:   sum == acc.Balance && acc.Balance >= 0,
	}
	if !audit.Consistent {
		l.logger.Error().Int64("account_id", accountID).Int64("balance", acc.Balance).Int64("ledger_sum", sum).Msg("ledger: audit mismatch")
	}
	return audit, nil
}

func (l *Ledger) ensure(ctx context.Context, accountID int64) (*domain.Account, error) {
	acc, created, err := l.repo.EnsureAccount(ctx, accountID)
	if err != nil {
		return nil, l.storageErr("ensure account", accountID, err)
	}
	if created {
		l.logger.Info().Int64("account_id", accountID).Int64("balance", acc.Balance).Msg("ledger: account created")
	}
	return acc, nil
}

// checkHeadroom rejects credits that would overflow the balance.
func (l *Ledger) checkHeadroom(ctx context.Context, accountID int64, amount int64) error {
	acc, err := l.ensure(ctx, accountID)
	if err != nil {
		return err
	}
	if amount > math.MaxInt64-acc.Balance {
		return fmt.Errorf("%w: credit of %d overflows balance %d", domain.ErrValidation, amount, acc.Balance)
	}
	return nil
}

func (l *Ledger) storageErr(op string, accountID int64, err error) error {
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, context.Canceled) {
		return err
	}
	l.logger.Error().Err(err).Int64("account_id", accountID).Str("op", op).Msg("ledger: storage failure")
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}
