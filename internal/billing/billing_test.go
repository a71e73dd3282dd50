package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion/internal/adapter/repo"
	"companion/internal/domain"
	"companion/internal/ledger"
	"companion/internal/policy"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(repo.NewLedgerRepositoryMemory(), ledger.Options{
		Clock: fixedClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
	})
	p, err := policy.New(l, nil)
	require.NoError(t, err)
	return NewService(l, p, nil), l
}

func TestApplySubscriptionEventGrantsBonusOnce(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()
	expires := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	ev := Event{ID: "evt_1", Type: EventSubscriptionCreated, AccountID: 5, Tier: "Pro", ExpiresAt: &expires}

	res, err := svc.ApplySubscriptionEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, domain.TierPro, res.Tier)
	require.Equal(t, int64(2000), res.Bonus)
	require.Equal(t, domain.InitialBalance+2000, res.Balance)

	_, err = svc.ApplySubscriptionEvent(ctx, ev)
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)

	acc, err := l.Account(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, domain.TierPro, acc.Tier)
	require.Equal(t, domain.InitialBalance+2000, acc.Balance)

	audit, err := l.Audit(ctx, 5)
	require.NoError(t, err)
	require.True(t, audit.Consistent)
}

type flakyRepo struct {
	domain.LedgerRepository
	failures int
}

func (r *flakyRepo) ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (bool, int64, error) {
	if r.failures > 0 {
		r.failures--
		return false, 0, errors.New("database is locked")
	}
	return r.LedgerRepository.ApplyPaymentEvent(ctx, ev)
}

func TestApplySubscriptionEventRetriesAfterStorageFailure(t *testing.T) {
	l := ledger.New(&flakyRepo{LedgerRepository: repo.NewLedgerRepositoryMemory(), failures: 1}, ledger.Options{})
	p, err := policy.New(l, nil)
	require.NoError(t, err)
	svc := NewService(l, p, nil)
	ctx := context.Background()
	ev := Event{ID: "evt_retry", Type: EventSubscriptionCreated, AccountID: 12, Tier: "pro"}

	_, err = svc.ApplySubscriptionEvent(ctx, ev)
	require.ErrorIs(t, err, domain.ErrStorage)

	acc, err := l.Account(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, domain.TierFree, acc.Tier)

	res, err := svc.ApplySubscriptionEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, domain.InitialBalance+2000, res.Balance)

	acc, err = l.Account(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, domain.TierPro, acc.Tier)
	require.Equal(t, domain.InitialBalance+2000, acc.Balance)

	_, err = svc.ApplySubscriptionEvent(ctx, ev)
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)
}

func TestApplySubscriptionEventUpdateAndCancel(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()

	res, err := svc.ApplySubscriptionEvent(ctx, Event{ID: "evt_u", Type: EventSubscriptionUpdated, AccountID: 9, Tier: "basic"})
	require.NoError(t, err)
	require.Zero(t, res.Bonus)

	_, err = svc.ApplySubscriptionEvent(ctx, Event{ID: "evt_c", Type: EventSubscriptionCanceled, AccountID: 9})
	require.NoError(t, err)

	acc, err := l.Account(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, domain.TierFree, acc.Tier)
	require.Nil(t, acc.TierExpiresAt)
	require.Equal(t, domain.InitialBalance, acc.Balance)
}

func TestApplySubscriptionEventRejects(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		ev   Event
		want error
	}{
		{"missing id", Event{AccountID: 1, Tier: "pro"}, domain.ErrValidation},
		{"missing account", Event{ID: "e", Tier: "pro"}, domain.ErrValidation},
		{"unknown tier", Event{ID: "e", AccountID: 1, Tier: "platinum"}, domain.ErrUnsupportedPlan},
		{"free tier", Event{ID: "e", AccountID: 1, Tier: "free"}, domain.ErrUnsupportedPlan},
		{"unknown type", Event{ID: "e", Type: "refund.created", AccountID: 1, Tier: "pro"}, domain.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ApplySubscriptionEvent(ctx, tc.ev)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestStartTrial(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()

	res, err := svc.StartTrial(ctx, 3, "agency", 0)
	require.NoError(t, err)
	require.Equal(t, int64(5000), res.Bonus)

	acc, err := l.Account(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, domain.TierAgency, acc.Tier)
	require.NotNil(t, acc.TierExpiresAt)
	require.Equal(t, time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC), *acc.TierExpiresAt)

	_, err = svc.StartTrial(ctx, 3, "gold", 7)
	require.ErrorIs(t, err, domain.ErrUnsupportedPlan)
}

func TestGrantBonusCredits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	balance, err := svc.GrantBonusCredits(ctx, 4, 25, domain.TxAdminAdjust, "support")
	require.NoError(t, err)
	require.Equal(t, domain.InitialBalance+25, balance)

	_, err = svc.GrantBonusCredits(ctx, 4, 25, domain.TxConsume, "nope")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.GrantBonusCredits(ctx, 4, 0, domain.TxGrant, "zero")
	require.ErrorIs(t, err, domain.ErrValidation)
}
