package repo

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"companion/internal/domain"
)

// LedgerRepositoryMemory implements domain.LedgerRepository in process memory.
// A single mutex serializes every mutation, which makes each call atomic.
type LedgerRepositoryMemory struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[int64]*domain.Account
	txs      map[int64][]domain.Transaction
	events   map[string]int64
	nextTxID int64
}

// NewLedgerRepositoryMemory creates an empty in-memory ledger.
func NewLedgerRepositoryMemory() *LedgerRepositoryMemory {
	return &LedgerRepositoryMemory{
		now:      time.Now,
		accounts: make(map[int64]*domain.Account),
		txs:      make(map[int64][]domain.Transaction),
		events:   make(map[string]int64),
	}
}

func (r *LedgerRepositoryMemory) EnsureAccount(ctx context.Context, id int64) (*domain.Account, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, created := r.ensureLocked(id)
	cp := *acc
	return &cp, created, nil
}

func (r *LedgerRepositoryMemory) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (r *LedgerRepositoryMemory) Credit(ctx context.Context, id int64, amount int64, kind domain.TxKind, note string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive", domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, _ := r.ensureLocked(id)
	if amount > math.MaxInt64-acc.Balance {
		return acc.Balance, fmt.Errorf("%w: credit overflows balance", domain.ErrValidation)
	}
	acc.Balance += amount
	r.appendLocked(id, kind, amount, note)
	return acc.Balance, nil
}

func (r *LedgerRepositoryMemory) DebitIfAffordable(ctx context.Context, id int64, amount int64, kind domain.TxKind, note string) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	if amount <= 0 {
		return false, 0, fmt.Errorf("%w: debit amount must be positive", domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, _ := r.ensureLocked(id)
	if acc.Balance < amount {
		return false, acc.Balance, nil
	}
	acc.Balance -= amount
	r.appendLocked(id, kind, -amount, note)
	return true, acc.Balance, nil
}

func (r *LedgerRepositoryMemory) ClaimDailyBonus(ctx context.Context, id int64, day time.Time, amount int64) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	day = domain.Day(day)
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, _ := r.ensureLocked(id)
	if acc.LastDailyBonus != nil && !domain.Day(*acc.LastDailyBonus).Before(day) {
		return false, acc.Balance, nil
	}
	acc.Balance += amount
	acc.LastDailyBonus = &day
	r.appendLocked(id, domain.TxDailyBonus, amount, "")
	return true, acc.Balance, nil
}

func (r *LedgerRepositoryMemory) SetSubscription(ctx context.Context, id int64, tier domain.Tier, expiresAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, _ := r.ensureLocked(id)
	r.setTierLocked(acc, tier, expiresAt)
	return nil
}

func (r *LedgerRepositoryMemory) Transactions(ctx context.Context, id int64, limit int) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.txs[id]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]domain.Transaction, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

func (r *LedgerRepositoryMemory) ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	if ev.Bonus < 0 {
		return false, 0, fmt.Errorf("%w: bonus must not be negative", domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, _ := r.ensureLocked(ev.AccountID)
	if _, seen := r.events[ev.ID]; seen {
		return false, acc.Balance, nil
	}
	if ev.Bonus > math.MaxInt64-acc.Balance {
		return false, acc.Balance, fmt.Errorf("%w: bonus overflows balance", domain.ErrValidation)
	}
	r.events[ev.ID] = ev.AccountID
	r.setTierLocked(acc, ev.Tier, ev.ExpiresAt)
	if ev.Bonus > 0 {
		acc.Balance += ev.Bonus
		r.appendLocked(ev.AccountID, domain.TxPurchase, ev.Bonus, ev.Note)
	}
	return true, acc.Balance, nil
}

func (r *LedgerRepositoryMemory) Close() error { return nil }

func (r *LedgerRepositoryMemory) ensureLocked(id int64) (*domain.Account, bool) {
	if acc, ok := r.accounts[id]; ok {
		return acc, false
	}
	acc := &domain.Account{
		ID:        id,
		Balance:   domain.InitialBalance,
		Tier:      domain.TierFree,
		CreatedAt: r.now().UTC(),
	}
	r.accounts[id] = acc
	r.appendLocked(id, domain.TxGrant, domain.InitialBalance, "initial balance")
	return acc, true
}

func (r *LedgerRepositoryMemory) setTierLocked(acc *domain.Account, tier domain.Tier, expiresAt *time.Time) {
	acc.Tier = tier
	acc.TierExpiresAt = nil
	if expiresAt != nil {
		exp := *expiresAt
		acc.TierExpiresAt = &exp
	}
	r.appendLocked(acc.ID, domain.TxSubscriptionChange, 0, string(tier))
}

func (r *LedgerRepositoryMemory) appendLocked(id int64, kind domain.TxKind, amount int64, note string) {
	r.nextTxID++
	r.txs[id] = append(r.txs[id], domain.Transaction{
		ID:        r.nextTxID,
		AccountID: id,
		Kind:      kind,
		Amount:    amount,
		Note:      note,
		CreatedAt: r.now().UTC(),
	})
}

var _ domain.LedgerRepository = (*LedgerRepositoryMemory)(nil)
