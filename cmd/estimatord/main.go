// Estimatord serves tenant-scoped semantic retrieval for the Estimator
// Assistant.
//
// Configuration is loaded from ~/.config/estimatord/config.yaml and
// ESTIMATORD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the server
//	estimatord serve
//
//	# Apply database migrations
//	ESTIMATORD_POSTGRES_DSN=postgres://... estimatord migrate up
//
//	# Mint a development session token
//	estimatord token --user alice
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by every command.
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "estimatord",
		Short: "Tenant-scoped retrieval service for the Estimator Assistant",
		Long: `estimatord stores embedded client documents and answers similarity
searches, one client tenant at a time. Every API call passes the tenant
security gate and a per-user rate limit.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/estimatord/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newMembersCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "estimatord by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
