package cli

import (
	"fmt"

	"github.com/raphaelgruber/mediaflow/internal/client"
	"github.com/spf13/cobra"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact <content-id> <name>",
	Short: "Print a stored stage artifact of a content item",
	Long: `Print one artifact a stage worker stored for a content item, such as
the extracted text or summary of a document.

Example:
  mediaflow artifact 9c1e... summary`,
	Args: cobra.ExactArgs(2),
	RunE: runArtifact,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that mediaflowd answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Health(cmd.Context()); err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func runArtifact(cmd *cobra.Command, args []string) error {
	data, err := apiClient.Artifact(cmd.Context(), args[0], args[1])
	if client.IsNotFound(err) {
		return fmt.Errorf("no artifact %s for %s", args[1], args[0])
	}
	if err != nil {
		return fmt.Errorf("get artifact: %w", err)
	}

	out := cmd.OutOrStdout()
	out.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return nil
}
