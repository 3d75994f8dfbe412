package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/estimatord/internal/config"
	"github.com/fyrsmithlabs/estimatord/internal/migrations"
)

// dsnFlag overrides postgres.dsn for commands that only need the database.
var dsnFlag string

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
		Long: `Apply or roll back the embedded schema migrations.

Examples:
  # Apply every pending migration
  estimatord migrate up --dsn postgres://estimator@localhost/estimator

  # Roll back the most recent migration
  estimatord migrate down --steps 1`,
	}
	cmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "postgres connection string (default from config)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := resolveDSN()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			return migrations.Up(ctx, dsn, cliLogger())
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := resolveDSN()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			return migrations.Down(ctx, dsn, steps, cliLogger())
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

// resolveDSN prefers --dsn and falls back to the loaded configuration.
func resolveDSN() (string, error) {
	if dsnFlag != "" {
		return dsnFlag, nil
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return "", err
	}
	if !cfg.Postgres.DSN.IsSet() {
		return "", errors.New("no postgres dsn: pass --dsn or set postgres.dsn")
	}
	return cfg.Postgres.DSN.Value(), nil
}

// cliLogger is a console logger for one-shot commands.
func cliLogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Println("falling back to no-op logger:", err)
		return zap.NewNop()
	}
	return logger
}
