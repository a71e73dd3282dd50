package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"companion/internal/billing"
	"companion/internal/bootstrap"
	"companion/internal/infra"
	"companion/internal/ledger"
	"companion/internal/policy"
)

type app struct {
	verbose bool
	asJSON  bool
}

// services is the ledger side of the graph. It needs no completion
// credentials.
type services struct {
	ledger  *ledger.Ledger
	policy  *policy.Policy
	billing *billing.Service
	close   func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "companionctl",
		Short:         "Administer companion accounts, credits and subscriptions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log component activity")
	rootCmd.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(
		newBalanceCmd(a),
		newGrantCmd(a),
		newHistoryCmd(a),
		newAuditCmd(a),
		newPlansCmd(a),
		newSubscribeCmd(a),
		newTrialCmd(a),
		newTokenCmd(a),
		newHealthCmd(a),
	)
	return rootCmd
}

func (a *app) config() (*infra.Config, *infra.Logger, error) {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := infra.NopLogger()
	if a.verbose {
		l := infra.NewLogger(cfg.AppEnv)
		logger = &l
	}
	return cfg, logger, nil
}

func (a *app) services(ctx context.Context) (*services, error) {
	cfg, logger, err := a.config()
	if err != nil {
		return nil, err
	}
	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	l := ledger.New(store, ledger.Options{Logger: logger})
	catalog, err := policy.LoadCatalog(cfg.TiersFile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pol, err := policy.New(l, catalog)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &services{
		ledger:  l,
		policy:  pol,
		billing: billing.NewService(l, pol, logger),
		close:   store.Close,
	}, nil
}

// print writes v as indented JSON under --json, otherwise runs text.
func (a *app) print(cmd *cobra.Command, v any, text func() error) error {
	if a.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text()
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", raw)
	}
	return id, nil
}
