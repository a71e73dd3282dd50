package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"companion/internal/bootstrap"
)

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Send a tiny completion and report cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.config()
			if err != nil {
				return err
			}
			components, err := bootstrap.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			h := components.Gateway.Health(cmd.Context())
			if err := a.print(cmd, h, func() error {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "status: %s\nmodel: %s\nlatency: %s\n", h.Status, h.Model, h.Latency)
				_, _ = fmt.Fprintf(out, "cache: %d/%d entries, %d hits, %d misses\n", h.Cache.Size, h.Cache.MaxSize, h.Cache.Hits, h.Cache.Misses)
				if h.Error != "" {
					_, _ = fmt.Fprintf(out, "error: %s\n", h.Error)
				}
				return nil
			}); err != nil {
				return err
			}
			if h.Status != "healthy" {
				return fmt.Errorf("completion provider unhealthy")
			}
			return nil
		},
	}
}
