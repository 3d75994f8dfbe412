package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/estimatord/internal/config"
	"github.com/fyrsmithlabs/estimatord/internal/security"
	"github.com/fyrsmithlabs/estimatord/internal/tenant"
)

func newMembersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage tenant memberships in Postgres",
		Long: `Grant and revoke tenant memberships used by the postgres resolver.

Examples:
  estimatord members grant --user alice --client acme_co --org org_acme --role estimator
  estimatord members revoke --user alice --client acme_co`,
	}
	cmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "postgres connection string (default from config)")

	var m struct {
		user, client, org, role string
	}

	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant or update a membership",
		RunE: func(cmd *cobra.Command, _ []string) error {
			role, err := security.ParseRole(m.role)
			if err != nil {
				return err
			}
			if err := tenant.ValidateClientID(m.client); err != nil {
				return err
			}
			return withResolver(cmd.Context(), func(ctx context.Context, r *security.PostgresResolver) error {
				if err := r.GrantMembership(ctx, security.Membership{
					UserID:         m.user,
					ClientID:       m.client,
					OrganizationID: m.org,
					Role:           role,
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s on %s to %s\n", role, m.client, m.user)
				return nil
			})
		},
	}
	grant.Flags().StringVar(&m.org, "org", "", "organization id")
	grant.Flags().StringVar(&m.role, "role", string(security.RoleViewer), "owner, estimator, viewer or auditor")

	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a membership",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withResolver(cmd.Context(), func(ctx context.Context, r *security.PostgresResolver) error {
				if err := r.RevokeMembership(ctx, m.user, m.client); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s on %s\n", m.user, m.client)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{grant, revoke} {
		c.Flags().StringVar(&m.user, "user", "", "user id")
		c.Flags().StringVar(&m.client, "client", "", "client (tenant) id")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("client")
	}

	cmd.AddCommand(grant, revoke)
	return cmd
}

func withResolver(ctx context.Context, fn func(context.Context, *security.PostgresResolver) error) error {
	dsn, err := resolveDSN()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := openPostgres(ctx, config.PostgresConfig{DSN: config.Secret(dsn), MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, security.NewPostgresResolver(pool))
}
