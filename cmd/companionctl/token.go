package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"companion/internal/middleware"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if role != middleware.RoleAdmin && role != middleware.RoleService {
				return fmt.Errorf("unsupported role %q", role)
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			cfg, _, err := a.config()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			now := time.Now()
			claims := middleware.TokenClaims{
				Sub:      subject,
				Role:     role,
				IssuedAt: now.Unix(),
				Exp:      now.Add(ttl).Unix(),
				Issuer:   "companionctl",
			}
			tok, err := middleware.SignJWT(cfg.JWTSecret, claims)
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]any{"token": tok, "expires_at": time.Unix(claims.Exp, 0).UTC()}, func() error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), tok)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", middleware.RoleService, "admin or service")
	cmd.Flags().StringVar(&subject, "sub", "companionctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
