package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"companion/internal/domain"
	"companion/internal/infra"
	"companion/internal/sqlinline"
)

// LedgerRepositoryPG implements domain.LedgerRepository backed by PostgreSQL.
// Each mutation is a single statement, so the row lock taken by the update
// covers both the balance change and the transaction insert.
type LedgerRepositoryPG struct {
	sql   infra.SQLExecutor
	close func()
}

// NewLedgerRepositoryPG creates a repository on top of the given executor.
// closeFn may be nil when the caller owns the pool.
func NewLedgerRepositoryPG(sql infra.SQLExecutor, closeFn func()) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{sql: sql, close: closeFn}
}

// Migrate creates the ledger tables when missing.
func (r *LedgerRepositoryPG) Migrate(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QLedgerSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *LedgerRepositoryPG) EnsureAccount(ctx context.Context, id int64) (*domain.Account, bool, error) {
	created, err := r.ensure(ctx, id)
	if err != nil {
		return nil, false, err
	}
	acc, err := r.GetAccount(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return acc, created, nil
}

func (r *LedgerRepositoryPG) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectAccount, id)
	return scanAccount(row)
}

func (r *LedgerRepositoryPG) Credit(ctx context.Context, id int64, amount int64, kind domain.TxKind, note string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive", domain.ErrValidation)
	}
	if _, err := r.ensure(ctx, id); err != nil {
		return 0, err
	}
	var balance int64
	if err := r.sql.QueryRow(ctx, sqlinline.QCreditAccount, id, amount, string(kind), note).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *LedgerRepositoryPG) DebitIfAffordable(ctx context.Context, id int64, amount int64, kind domain.TxKind, note string) (bool, int64, error) {
	if amount <= 0 {
		return false, 0, fmt.Errorf("%w: debit amount must be positive", domain.ErrValidation)
	}
	if _, err := r.ensure(ctx, id); err != nil {
		return false, 0, err
	}
	var (
		ok      bool
		balance int64
	)
	if err := r.sql.QueryRow(ctx, sqlinline.QDebitIfAffordable, id, amount, string(kind), note).Scan(&ok, &balance); err != nil {
		return false, 0, err
	}
	return ok, balance, nil
}

func (r *LedgerRepositoryPG) ClaimDailyBonus(ctx context.Context, id int64, day time.Time, amount int64) (bool, int64, error) {
	if _, err := r.ensure(ctx, id); err != nil {
		return false, 0, err
	}
	var (
		granted bool
		balance int64
	)
	if err := r.sql.QueryRow(ctx, sqlinline.QClaimDailyBonus, id, amount, domain.Day(day)).Scan(&granted, &balance); err != nil {
		return false, 0, err
	}
	return granted, balance, nil
}

func (r *LedgerRepositoryPG) SetSubscription(ctx context.Context, id int64, tier domain.Tier, expiresAt *time.Time) error {
	if _, err := r.ensure(ctx, id); err != nil {
		return err
	}
	_, err := r.sql.Exec(ctx, sqlinline.QSetSubscription, id, string(tier), expiresAt)
	return err
}

func (r *LedgerRepositoryPG) Transactions(ctx context.Context, id int64, limit int) ([]domain.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListTransactions, id, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			tx   domain.Transaction
			kind string
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &kind, &tx.Amount, &tx.Note, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Kind = domain.TxKind(kind)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *LedgerRepositoryPG) ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (bool, int64, error) {
	if ev.Bonus < 0 {
		return false, 0, fmt.Errorf("%w: bonus must not be negative", domain.ErrValidation)
	}
	if _, err := r.ensure(ctx, ev.AccountID); err != nil {
		return false, 0, err
	}
	var (
		applied bool
		balance int64
	)
	err := r.sql.QueryRow(ctx, sqlinline.QApplyPaymentEvent,
		ev.ID, ev.AccountID, string(ev.Tier), ev.ExpiresAt, ev.Bonus, ev.Note).Scan(&applied, &balance)
	if err != nil {
		return false, 0, err
	}
	return applied, balance, nil
}

func (r *LedgerRepositoryPG) Close() error {
	if r.close != nil {
		r.close()
	}
	return nil
}

func (r *LedgerRepositoryPG) ensure(ctx context.Context, id int64) (bool, error) {
	var created bool
	if err := r.sql.QueryRow(ctx, sqlinline.QEnsureAccount, id, domain.InitialBalance).Scan(&created); err != nil {
		return false, err
	}
	return created, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc  domain.Account
		tier string
	)
	if err := row.Scan(&acc.ID, &acc.Balance, &tier, &acc.TierExpiresAt, &acc.LastDailyBonus, &acc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	acc.Tier = domain.Tier(tier)
	return &acc, nil
}

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
