package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"companion/internal/domain"
)

type accountView struct {
	ID             int64       `json:"id"`
	Balance        int64       `json:"balance"`
	Tier           domain.Tier `json:"tier"`
	TierExpiresAt  *time.Time  `json:"tier_expires_at,omitempty"`
	LastDailyBonus *time.Time  `json:"last_daily_bonus,omitempty"`
}

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Show an account's balance and tier",
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

			acc, err := svc.ledger.Account(cmd.Context(), id)
			if err != nil {
				return err
			}
			view := accountView{ID: acc.ID, Balance: acc.Balance, Tier: acc.Tier, TierExpiresAt: acc.TierExpiresAt, LastDailyBonus: acc.LastDailyBonus}
			return a.print(cmd, view, func() error {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "account: %d\nbalance: %d\ntier: %s\n", acc.ID, acc.Balance, acc.Tier)
				if acc.TierExpiresAt != nil {
					_, _ = fmt.Fprintf(out, "expires: %s\n", acc.TierExpiresAt.UTC().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newGrantCmd(a *app) *cobra.Command {
	var kind, note string
	cmd := &cobra.Command{
		Use:   "grant <account-id> <amount>",
		Short: "Credit an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			balance, err := svc.billing.GrantBonusCredits(cmd.Context(), id, amount, domain.TxKind(kind), note)
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]any{"account_id": id, "amount": amount, "balance": balance}, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %d, balance %d\n", amount, id, balance)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.TxAdminAdjust), "transaction kind: admin_adjust, grant or purchase")
	cmd.Flags().StringVar(&note, "note", "companionctl", "note stored with the transaction")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <account-id>",
		Short: "List the most recent ledger transactions, oldest first",
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

			txs, err := svc.ledger.Transactions(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			return a.print(cmd, txs, func() error {
				for _, tx := range txs {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%-19s\t%+d\t%s\n", tx.CreatedAt.UTC().Format(time.RFC3339), tx.Kind, tx.Amount, tx.Note)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of transactions")
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <account-id>",
		Short: "Replay the transaction log against the stored balance",
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

			audit, err := svc.ledger.Audit(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := a.print(cmd, audit, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "account: %d\nbalance: %d\nledger sum: %d\ntransactions: %d\nconsistent: %t\n",
					audit.AccountID, audit.Balance, audit.LedgerSum, audit.Transactions, audit.Consistent)
				return err
			}); err != nil {
				return err
			}
			if !audit.Consistent {
				return fmt.Errorf("account %d: balance %d does not match ledger sum %d", id, audit.Balance, audit.LedgerSum)
			}
			return nil
		},
	}
}
