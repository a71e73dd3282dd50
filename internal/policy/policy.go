// Package policy decides whether an account can afford an operation and
// exposes the subscription tier catalog.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"companion/internal/domain"
)

//go:embed tiers.toml
var defaultCatalog []byte

// Limits describes one subscription tier. Daily and monthly limits are
// informational; only the credit balance gates spending.
type Limits struct {
	Name         string   `toml:"name" json:"name"`
	DailyLimit   int      `toml:"daily_limit" json:"daily_limit"`
	MonthlyLimit int      `toml:"monthly_limit" json:"monthly_limit"`
	Price        int      `toml:"price" json:"price"`
	BonusCredits int64    `toml:"bonus_credits" json:"bonus_credits"`
	BatchImages  bool     `toml:"batch_images" json:"batch_images"`
	Features     []string `toml:"features" json:"features"`
}

// Catalog is the decoded tiers file.
type Catalog struct {
	Costs map[string]int64  `toml:"costs"`
	Tiers map[string]Limits `toml:"tiers"`
}

// LoadCatalog reads a TOML catalog from path, or the embedded default when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy: read catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a TOML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("policy: decode catalog: %w", err)
	}
	if _, ok := c.Tiers[string(domain.TierFree)]; !ok {
		return nil, fmt.Errorf("policy: catalog has no %q tier", domain.TierFree)
	}
	for name := range c.Tiers {
		if t, ok := domain.ParseTier(name); !ok || string(t) != name {
			return nil, fmt.Errorf("policy: unknown tier %q", name)
		}
	}
	for op, cost := range c.Costs {
		if cost <= 0 {
			return nil, fmt.Errorf("policy: cost for %q must be positive", op)
		}
	}
	titler := cases.Title(language.Und)
	for name, l := range c.Tiers {
		if l.Name == "" {
			l.Name = titler.String(name)
			c.Tiers[name] = l
		}
	}
	return &c, nil
}

// AccountReader is the slice of the ledger the policy needs.
type AccountReader interface {
	Account(ctx context.Context, accountID int64) (*domain.Account, error)
}

// Decision is the result of an affordability check.
type Decision struct {
	Allowed bool        `json:"allowed"`
	Balance int64       `json:"balance"`
	Tier    domain.Tier `json:"tier"`
	Limits  Limits      `json:"limits"`
	Cost    int64       `json:"cost"`
}

// Policy combines ledger balances with the tier catalog.
type Policy struct {
	accounts AccountReader
	catalog  *Catalog
}

// New builds a Policy. A nil catalog selects the embedded default.
func New(accounts AccountReader, catalog *Catalog) (*Policy, error) {
	if catalog == nil {
		c, err := ParseCatalog(defaultCatalog)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	return &Policy{accounts: accounts, catalog: catalog}, nil
}

// Cost returns the configured credit cost of op.
func (p *Policy) Cost(op domain.Operation) (int64, error) {
	cost, ok := p.catalog.Costs[string(op)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown operation %q", domain.ErrValidation, op)
	}
	return cost, nil
}

// Limits returns the catalog entry for tier, falling back to free.
func (p *Policy) Limits(tier domain.Tier) Limits {
	if l, ok := p.catalog.Tiers[string(tier)]; ok {
		return l
	}
	return p.catalog.Tiers[string(domain.TierFree)]
}

// Plan is a catalog entry with its tier key.
type Plan struct {
	Tier domain.Tier `json:"tier"`
	Limits
}

// Plans lists the catalog ordered by price.
func (p *Policy) Plans() []Plan {
	out := make([]Plan, 0, len(p.catalog.Tiers))
	for name, l := range p.catalog.Tiers {
		out = append(out, Plan{Tier: domain.Tier(name), Limits: l})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

// CheckAfford reports whether accountID can pay cost. It never debits, but
// reading the account creates it on first contact and reverts a lapsed
// subscription to free. The debit itself is the authoritative check.
func (p *Policy) CheckAfford(ctx context.Context, accountID int64, cost int64) (Decision, error) {
	if cost <= 0 {
		return Decision{}, fmt.Errorf("%w: cost must be positive", domain.ErrValidation)
	}
	acc, err := p.accounts.Account(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed: acc.Balance >= cost,
		Balance: acc.Balance,
		Tier:    acc.Tier,
		Limits:  p.Limits(acc.Tier),
		Cost:    cost,
	}, nil
}
