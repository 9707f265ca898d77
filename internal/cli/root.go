// Package cli provides the command-line interface for mediaflow.
package cli

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/mediaflow/internal/client"
	"github.com/raphaelgruber/mediaflow/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mediaflow",
	Short: "Submit media jobs and inspect the mediaflow pipeline",
	Long: `Mediaflow routes documents, images, audio and video through stage workers
that extract entities and build a knowledge graph.

This CLI talks to a running mediaflowd: it submits jobs, follows their
progress, and administers the status store, the graph and pending
reassemblies.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		endpoint := serverURL
		if endpoint == "" {
			endpoint = cfg.ServerURL
		}
		apiClient = client.New(endpoint)
		return nil
	},
}

// Execute runs the root command. Cancelling ctx stops long-running
// commands such as watch.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "mediaflowd address (default $MEDIAFLOW_SERVER or http://localhost:8080)")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(reassemblyCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(healthCmd)
}

// shortID abbreviates a job id for tables.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
