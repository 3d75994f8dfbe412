package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/estimatord/internal/config"
	"github.com/fyrsmithlabs/estimatord/internal/security"
)

func newTokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		Long: `Sign a session token with the configured JWT secret. The token is
accepted as "Authorization: Bearer <token>" or in the session cookie.

Examples:
  estimatord token --user alice --ttl 8h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, err := config.LoadWithFile(configPath)
			if err != nil {
				return err
			}
			tok, err := mintToken(cfg.Security, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to put in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func mintToken(sc config.SecurityConfig, userID string, ttl time.Duration) (string, error) {
	sessions, err := security.NewJWTSessionResolver([]byte(sc.JWTSecret.Value()), sc.JWTIssuer, sc.SessionCookie, nil)
	if err != nil {
		return "", err
	}
	return sessions.Issue(userID, uuid.NewString(), ttl)
}
