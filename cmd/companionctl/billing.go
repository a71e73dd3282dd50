package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"companion/internal/billing"
)

func newPlansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List subscription tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			plans := svc.policy.Plans()
			return a.print(cmd, plans, func() error {
				for _, p := range plans {
					batch := ""
					if p.BatchImages {
						batch = "\tbatch images"
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-7s\t%-10s\t$%d\t+%d credits%s\n", p.Tier, p.Name, p.Price, p.BonusCredits, batch)
				}
				return nil
			})
		},
	}
}

func newSubscribeCmd(a *app) *cobra.Command {
	var (
		tier    string
		eventID string
		kind    string
		expires string
	)
	cmd := &cobra.Command{
		Use:   "subscribe <account-id>",
		Short: "Apply a subscription event by hand",
		Long:  "subscribe applies the same event a payment provider would send. Re-running with the same --event-id is a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			ev := billing.Event{
				ID:        eventID,
				Type:      billing.EventType("subscription." + strings.TrimPrefix(kind, "subscription.")),
				AccountID: id,
				Tier:      tier,
			}
			if ev.ID == "" {
				ev.ID = "manual_" + uuid.NewString()
			}
			if expires != "" {
				t, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("invalid --expires: %w", err)
				}
				ev.ExpiresAt = &t
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			res, err := svc.billing.ApplySubscriptionEvent(cmd.Context(), ev)
			if err != nil {
				return err
			}
			return a.print(cmd, res, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "event %s: account %d is now %s (bonus %d)\n", ev.ID, res.AccountID, res.Tier, res.Bonus)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "basic, pro or agency")
	cmd.Flags().StringVar(&eventID, "event-id", "", "idempotency key; generated when empty")
	cmd.Flags().StringVar(&kind, "type", "created", "created, renewed, updated or canceled")
	cmd.Flags().StringVar(&expires, "expires", "", "RFC3339 expiry of the paid period")
	return cmd
}

func newTrialCmd(a *app) *cobra.Command {
	var (
		tier string
		days int
	)
	cmd := &cobra.Command{
		Use:   "trial <account-id>",
		Short: "Start a time-limited trial of a paid tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			res, err := svc.billing.StartTrial(cmd.Context(), id, tier, days)
			if err != nil {
				return err
			}
			return a.print(cmd, res, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "account %d on %s trial, balance %d\n", res.AccountID, res.Tier, res.Balance)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "pro", "basic, pro or agency")
	cmd.Flags().IntVar(&days, "days", billing.DefaultTrialDays, "trial length in days")
	return cmd
}
