// Package billing maps payment provider events onto ledger transitions.
// It is the only entry point payment glue may use to mutate accounts.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"companion/internal/domain"
	"companion/internal/infra"
	"companion/internal/policy"
)

// DefaultTrialDays is the length of a trial subscription.
const DefaultTrialDays = 7

// EventType classifies a payment event.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionRenewed  EventType = "subscription.renewed"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
)

// Event is a normalized payment provider notification.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	AccountID int64      `json:"account_id"`
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Ledger is the slice of the ledger billing writes through.
type Ledger interface {
	Now() time.Time
	Credit(ctx context.Context, accountID int64, amount int64, kind domain.TxKind, note string) (int64, error)
	ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (int64, error)
}

// Catalog resolves tier bonuses.
type Catalog interface {
	Limits(tier domain.Tier) policy.Limits
}

// Result reports what an event changed.
type Result struct {
	AccountID int64       `json:"account_id"`
	Tier      domain.Tier `json:"tier"`
	Bonus     int64       `json:"bonus"`
	Balance   int64       `json:"balance,omitempty"`
}

// Service applies payment events.
type Service struct {
	ledger  Ledger
	catalog Catalog
	logger  *infra.Logger
}

// NewService wires a Service.
func NewService(ledger Ledger, catalog Catalog, logger *infra.Logger) *Service {
	if logger == nil {
		logger = infra.NopLogger()
	}
	l := logger.With().Str("component", "billing").Logger()
	return &Service{ledger: ledger, catalog: catalog, logger: &l}
}

// ApplySubscriptionEvent sets the tier and expiry and grants the tier bonus
// for created and renewed subscriptions, all in one ledger write. Replays
// return domain.ErrDuplicateOperation; a failed apply can be retried.
func (s *Service) ApplySubscriptionEvent(ctx context.Context, ev Event) (*Result, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: event id is required", domain.ErrValidation)
	}
	if ev.AccountID <= 0 {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrValidation)
	}
	if ev.Type == "" {
		ev.Type = EventSubscriptionCreated
	}
	tier := domain.TierFree
	if ev.Type != EventSubscriptionCanceled {
		parsed, ok := domain.ParseTier(ev.Tier)
		if !ok || parsed == domain.TierFree {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedPlan, ev.Tier)
		}
		tier = parsed
	}
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionRenewed, EventSubscriptionUpdated, EventSubscriptionCanceled:
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, ev.Type)
	}

	expires := ev.ExpiresAt
	if tier == domain.TierFree {
		expires = nil
	}
	var bonus int64
	if ev.Type == EventSubscriptionCreated || ev.Type == EventSubscriptionRenewed {
		bonus = s.catalog.Limits(tier).BonusCredits
	}
	log := s.logger.With().Str("event_id", ev.ID).Str("event_type", string(ev.Type)).Int64("account_id", ev.AccountID).Logger()

	balance, err := s.ledger.ApplyPaymentEvent(ctx, domain.PaymentEvent{
		ID:        ev.ID,
		AccountID: ev.AccountID,
		Tier:      tier,
		ExpiresAt: expires,
		Bonus:     bonus,
		Note:      "subscription_" + string(tier),
	})
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateOperation) {
			log.Error().Err(err).Msg("billing: subscription event not applied")
		}
		return nil, err
	}
	res := &Result{AccountID: ev.AccountID, Tier: tier, Bonus: bonus, Balance: balance}
	log.Info().Str("tier", string(tier)).Int64("bonus", res.Bonus).Msg("billing: subscription event applied")
	return res, nil
}

// GrantBonusCredits credits amount with an explicit kind. Only grant-like
// kinds are accepted.
func (s *Service) GrantBonusCredits(ctx context.Context, accountID int64, amount int64, kind domain.TxKind, note string) (int64, error) {
	switch kind {
	case domain.TxGrant, domain.TxAdminAdjust, domain.TxPurchase:
	default:
		return 0, fmt.Errorf("%w: kind %q cannot be granted", domain.ErrValidation, kind)
	}
	balance, err := s.ledger.Credit(ctx, accountID, amount, kind, note)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("account_id", accountID).Int64("amount", amount).Str("kind", string(kind)).Str("note", note).Msg("billing: credits granted")
	return balance, nil
}

// StartTrial puts the account on tier for days and grants the tier bonus.
func (s *Service) StartTrial(ctx context.Context, accountID int64, tierName string, days int) (*Result, error) {
	tier, ok := domain.ParseTier(tierName)
	if !ok || tier == domain.TierFree {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedPlan, tierName)
	}
	if days <= 0 {
		days = DefaultTrialDays
	}
	expires := s.ledger.Now().UTC().AddDate(0, 0, days)
	bonus := s.catalog.Limits(tier).BonusCredits
	balance, err := s.ledger.ApplyPaymentEvent(ctx, domain.PaymentEvent{
		ID:        "trial_" + uuid.NewString(),
		AccountID: accountID,
		Tier:      tier,
		ExpiresAt: &expires,
		Bonus:     bonus,
		Note:      "trial_" + string(tier),
	})
	if err != nil {
		return nil, err
	}
	res := &Result{AccountID: accountID, Tier: tier, Bonus: bonus, Balance: balance}
	s.logger.Info().Int64("account_id", accountID).Str("tier", string(tier)).Int("days", days).Msg("billing: trial started")
	return res, nil
}
