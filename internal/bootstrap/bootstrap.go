// Package bootstrap wires the companion's components from configuration.
// Every binary under cmd/ builds its graph here so that collaborators are
// constructed once and injected.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"companion/internal/adapter/repo"
	"companion/internal/billing"
	"companion/internal/cache"
	"companion/internal/classifier"
	"companion/internal/conversation"
	"companion/internal/domain"
	"companion/internal/gateway"
	"companion/internal/imagegen"
	"companion/internal/infra"
	"companion/internal/infra/geoip"
	"companion/internal/ledger"
	"companion/internal/memory"
	"companion/internal/policy"
	"companion/internal/providers/completion"
	"companion/internal/providers/image"
	"companion/internal/session"
	"companion/internal/storage"
)

// Components is the assembled application graph. Memory is nil when
// MEMORY_DIR is empty and Countries is nil without a GeoIP database.
type Components struct {
	Config  *infra.Config
	Logger  *infra.Logger
	Repo    domain.LedgerRepository
	Ledger  *ledger.Ledger
	Policy  *policy.Policy
	Gateway *gateway.Gateway
	Session *session.Controller
	Memory  *memory.Store
	Images  *imagegen.Service
	Billing *billing.Service

	Countries *geoip.Resolver

	closers []func() error
}

// OpenStore opens the ledger repository selected by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (domain.LedgerRepository, error) {
	switch cfg.StoreDriver {
	case infra.StoreDriverMemory:
		logger.Warn().Msg("bootstrap: using in-memory ledger, balances are lost on restart")
		return repo.NewLedgerRepositoryMemory(), nil
	case infra.StoreDriverPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r := repo.NewLedgerRepositoryPG(infra.NewSQLRunner(pool, *logger), pool.Close)
		if err := r.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return r, nil
	case infra.StoreDriverSQLite:
		db, err := infra.NewSQLiteDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		r, err := repo.NewLedgerRepositorySQLite(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// Build assembles every component. The caller owns the result and must
// Close it.
func Build(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Components, error) {
	if logger == nil {
		logger = infra.NopLogger()
	}
	c := &Components{Config: cfg, Logger: logger}

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	c.Repo = store
	c.closers = append(c.closers, store.Close)

	c.Ledger = ledger.New(store, ledger.Options{Logger: logger})

	catalog, err := policy.LoadCatalog(cfg.TiersFile)
	if err != nil {
		c.Close()
		return nil, err
	}
	if cfg.ImageCreditCost > 0 {
		catalog.Costs[string(domain.OpImage)] = int64(cfg.ImageCreditCost)
	}
	c.Policy, err = policy.New(c.Ledger, catalog)
	if err != nil {
		c.Close()
		return nil, err
	}

	if err := c.buildConversation(cfg, logger); err != nil {
		c.Close()
		return nil, err
	}

	gen := image.NewPollinations(image.PollinationsOptions{
		BaseURL:    cfg.ImageBaseURL,
		HTTPClient: &http.Client{Timeout: cfg.ImageTimeout},
		Logger:     logger,
	})
	var images *storage.FileStore
	if c.Memory != nil {
		images, err = storage.NewFileStore(cfg.MemoryDir)
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	c.Images, err = imagegen.New(imagegen.Options{
		Ledger:    c.Ledger,
		Policy:    c.Policy,
		Generator: gen,
		Store:     images,
		Timeout:   cfg.ImageTimeout,
		Logger:    logger,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Billing = billing.NewService(c.Ledger, c.Policy, logger)

	c.Countries, err = geoip.Open(cfg.GeoIPDBPath)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("bootstrap: geoip disabled")
	case c.Countries != nil:
		logger.Info().Str("path", c.Countries.Path()).Msg("bootstrap: geoip database loaded")
		c.closers = append(c.closers, c.Countries.Close)
	}
	return c, nil
}

func (c *Components) buildConversation(cfg *infra.Config, logger *infra.Logger) error {
	client, err := completion.NewClient(completion.Options{
		APIKey:  cfg.CompletionAPIKey,
		BaseURL: cfg.CompletionBaseURL,
		Model:   cfg.CompletionModel,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	logger.Info().Str("model", client.Model()).Msg("bootstrap: completion provider configured")
	params := gateway.Params{
		Model:       client.Model(),
		MaxTokens:   cfg.MaxTokens,
		Temperature: gateway.Temperature(cfg.Temperature),
		Timeout:     cfg.CompletionTimeout,
	}
	c.Gateway, err = gateway.New(gateway.Options{
		Provider:           client,
		Cache:              cache.New(cfg.CacheSize),
		Defaults:           params,
		MaxContentLength:   cfg.MaxMessageLength,
		RateLimitPerMinute: cfg.RateLimitPerMin,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	lexicon, err := classifier.Load(cfg.LexiconFile)
	if err != nil {
		return err
	}

	var recorder session.Recorder
	if dir := strings.TrimSpace(cfg.MemoryDir); dir != "" {
		c.Memory, err = memory.NewStore(dir, logger)
		if err != nil {
			return err
		}
		recorder = c.Memory
	}
	c.Session, err = session.New(session.Options{
		Ledger:         c.Ledger,
		Policy:         c.Policy,
		Gateway:        c.Gateway,
		Windows:        conversation.NewWindows(cfg.HistorySize),
		Classifier:     lexicon,
		Memory:         recorder,
		Params:         params,
		MinInputLength: cfg.MinInputLength,
		MaxInputLength: cfg.MaxInputLength,
		Logger:         logger,
	})
	return err
}

// Close releases the ledger store and the GeoIP database.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
