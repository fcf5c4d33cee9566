package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/irisdx/internal/auth"
)

// newTokenCmd mints a bearer token for local testing of the API.
func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured JWT secret",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			v, err := auth.NewVerifier(a.cfg.Serve.JWTSecret, a.cfg.Serve.JWTAudience)
			if err != nil {
				return err
			}
			token, err := v.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}),
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id carried in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
