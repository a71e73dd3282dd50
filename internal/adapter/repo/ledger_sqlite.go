package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"companion/internal/domain"
)

const sqliteDayLayout = "2006-01-02"

// LedgerSQLiteMigrations returns the schema statements, one per entry.
func LedgerSQLiteMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id               INTEGER PRIMARY KEY,
			balance          INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			tier             TEXT NOT NULL DEFAULT 'free',
			tier_expires_at  TEXT,
			last_daily_bonus TEXT,
			created_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			kind       TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, id)`,
		`CREATE TABLE IF NOT EXISTS payment_events (
			id         TEXT PRIMARY KEY,
			account_id INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
}

// LedgerRepositorySQLite implements domain.LedgerRepository on SQLite. The
// handle is expected to be limited to one open connection so transactions
// never interleave.
type LedgerRepositorySQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedgerRepositorySQLite applies the schema and returns the repository.
func NewLedgerRepositorySQLite(ctx context.Context, db *sql.DB) (*LedgerRepositorySQLite, error) {
	if db == nil {
		return nil, errors.New("sqlite: db is required")
	}
	for _, stmt := range LedgerSQLiteMigrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return &LedgerRepositorySQLite{db: db, now: time.Now}, nil
}

func (r *LedgerRepositorySQLite) EnsureAccount(ctx context.Context, id int64) (*domain.Account, bool, error) {
	var (
		acc     *domain.Account
		created bool
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if created, err = r.ensureTx(ctx, tx, id); err != nil {
			return err
		}
		acc, err = r.loadTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return acc, created, nil
}

func (r *LedgerRepositorySQLite) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc *domain.Account
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		acc, err = r.loadTx(ctx, tx, id)
		return err
	})
	return acc, err
}

func (r *LedgerRepositorySQLite) Credit(ctx context.Context, id int64, amount int64, kind domain.TxKind, note string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive", domain.ErrValidation)
	}
	var balance int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.ensureTx(ctx, tx, id); err != nil {
			return err
		}
		if err := r.addBalanceTx(ctx, tx, id, amount); err != nil {
			return err
		}
		if err := r.appendTx(ctx, tx, id, kind, amount, note); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balance)
	})
	return balance, err
}

func (r *LedgerRepositorySQLite) DebitIfAffordable(ctx context.Context, id int64, amount int64, kind domain.TxKind, note string) (bool, int64, error) {
	if amount <= 0 {
		return false, 0, fmt.Errorf("%w: debit amount must be positive", domain.ErrValidation)
	}
	var (
		ok      bool
		balance int64
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.ensureTx(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance - ? WHERE id = ? AND balance >= ?`, amount, id, amount)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			ok = true
			if err := r.appendTx(ctx, tx, id, kind, -amount, note); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balance)
	})
	if err != nil {
		return false, 0, err
	}
	return ok, balance, nil
}

func (r *LedgerRepositorySQLite) ClaimDailyBonus(ctx context.Context, id int64, day time.Time, amount int64) (bool, int64, error) {
	dayStr := domain.Day(day).Format(sqliteDayLayout)
	var (
		granted bool
		balance int64
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.ensureTx(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
UPDATE accounts
SET balance = balance + ?, last_daily_bonus = ?
WHERE id = ? AND (last_daily_bonus IS NULL OR last_daily_bonus < ?)`, amount, dayStr, id, dayStr)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			granted = true
			if err := r.appendTx(ctx, tx, id, domain.TxDailyBonus, amount, ""); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balance)
	})
	if err != nil {
		return false, 0, err
	}
	return granted, balance, nil
}

func (r *LedgerRepositorySQLite) SetSubscription(ctx context.Context, id int64, tier domain.Tier, expiresAt *time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.ensureTx(ctx, tx, id); err != nil {
			return err
		}
		return r.setTierTx(ctx, tx, id, tier, expiresAt)
	})
}

func (r *LedgerRepositorySQLite) ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (bool, int64, error) {
	if ev.Bonus < 0 {
		return false, 0, fmt.Errorf("%w: bonus must not be negative", domain.ErrValidation)
	}
	var (
		applied bool
		balance int64
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.ensureTx(ctx, tx, ev.AccountID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO payment_events (id, account_id, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			ev.ID, ev.AccountID, r.now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			applied = true
			if err := r.setTierTx(ctx, tx, ev.AccountID, ev.Tier, ev.ExpiresAt); err != nil {
				return err
			}
			if ev.Bonus > 0 {
				if err := r.addBalanceTx(ctx, tx, ev.AccountID, ev.Bonus); err != nil {
					return err
				}
				if err := r.appendTx(ctx, tx, ev.AccountID, domain.TxPurchase, ev.Bonus, ev.Note); err != nil {
					return err
				}
			}
		}
		return tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, ev.AccountID).Scan(&balance)
	})
	if err != nil {
		return false, 0, err
	}
	return applied, balance, nil
}

func (r *LedgerRepositorySQLite) Transactions(ctx context.Context, id int64, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, account_id, kind, amount, note, created_at FROM (
	SELECT id, account_id, kind, amount, note, created_at
	FROM transactions
	WHERE account_id = ?
	ORDER BY id DESC
	LIMIT ?
) ORDER BY id ASC`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			tx      domain.Transaction
			kind    string
			created string
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &kind, &tx.Amount, &tx.Note, &created); err != nil {
			return nil, err
		}
		tx.Kind = domain.TxKind(kind)
		tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *LedgerRepositorySQLite) Close() error {
	return r.db.Close()
}

func (r *LedgerRepositorySQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *LedgerRepositorySQLite) ensureTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO accounts (id, balance, tier, created_at) VALUES (?, ?, 'free', ?) ON CONFLICT(id) DO NOTHING`,
		id, domain.InitialBalance, r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, r.appendTx(ctx, tx, id, domain.TxGrant, domain.InitialBalance, "initial balance")
}

func (r *LedgerRepositorySQLite) setTierTx(ctx context.Context, tx *sql.Tx, id int64, tier domain.Tier, expiresAt *time.Time) error {
	var exp sql.NullString
	if expiresAt != nil {
		exp = sql.NullString{String: expiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET tier = ?, tier_expires_at = ? WHERE id = ?`, string(tier), exp, id); err != nil {
		return err
	}
	return r.appendTx(ctx, tx, id, domain.TxSubscriptionChange, 0, string(tier))
}

// addBalanceTx refuses amounts that would push the balance past MaxInt64;
// SQLite would otherwise silently switch the column to a float.
func (r *LedgerRepositorySQLite) addBalanceTx(ctx context.Context, tx *sql.Tx, id int64, amount int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance + ? WHERE id = ? AND balance <= ?`, amount, id, math.MaxInt64-amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: credit overflows balance", domain.ErrValidation)
	}
	return nil
}

func (r *LedgerRepositorySQLite) appendTx(ctx context.Context, tx *sql.Tx, id int64, kind domain.TxKind, amount int64, note string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions (account_id, kind, amount, note, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(kind), amount, note, r.now().UTC().Format(time.RFC3339Nano))
	return err
}

func (r *LedgerRepositorySQLite) loadTx(ctx context.Context, tx *sql.Tx, id int64) (*domain.Account, error) {
	var (
		acc       domain.Account
		tier      string
		expires   sql.NullString
		lastBonus sql.NullString
		created   string
	)
	err := tx.QueryRowContext(ctx, `SELECT id, balance, tier, tier_expires_at, last_daily_bonus, created_at FROM accounts WHERE id = ?`, id).
		Scan(&acc.ID, &acc.Balance, &tier, &expires, &lastBonus, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	acc.Tier = domain.Tier(tier)
	acc.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if expires.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expires.String); err == nil {
			acc.TierExpiresAt = &t
		}
	}
	if lastBonus.Valid {
		if t, err := time.Parse(sqliteDayLayout, lastBonus.String); err == nil {
			acc.LastDailyBonus = &t
		}
	}
	return &acc, nil
}

var _ domain.LedgerRepository = (*LedgerRepositorySQLite)(nil)
