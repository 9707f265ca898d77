package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	evictOlderThan time.Duration
	evictStage     string
)

var reassemblyCmd = &cobra.Command{
	Use:   "reassembly",
	Short: "Inspect items waiting for fragments",
	Long: `Inspect and evict stage reassembly state. Items split into fragments
wait in their stage until every fragment arrived; items without progress
for the configured stuck_after are flagged as stuck.

Examples:
  mediaflow reassembly list
  mediaflow reassembly evict --older-than 30m --stage document`,
}

var reassemblyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending reassemblies",
	Args:  cobra.NoArgs,
	RunE:  runReassemblyList,
}

var reassemblyEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Drop reassemblies without progress for a duration",
	Args:  cobra.NoArgs,
	RunE:  runReassemblyEvict,
}

func init() {
	reassemblyEvictCmd.Flags().DurationVar(&evictOlderThan, "older-than", 0, "evict entries without progress for this long (required)")
	reassemblyEvictCmd.Flags().StringVar(&evictStage, "stage", "", "only this stage (default all)")
	reassemblyEvictCmd.MarkFlagRequired("older-than")

	reassemblyCmd.AddCommand(reassemblyListCmd)
	reassemblyCmd.AddCommand(reassemblyEvictCmd)
}

func runReassemblyList(cmd *cobra.Command, args []string) error {
	pending, err := apiClient.Reassembly(cmd.Context())
	if err != nil {
		return fmt.Errorf("list reassembly: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending reassemblies")
		return nil
	}

	fmt.Fprintf(out, "%-9s %-14s %-9s %-8s %-6s %s\n", "STAGE", "JOB", "FRAGS", "AGE", "STUCK", "FILE")
	fmt.Fprintln(out, "--------------------------------------------------------------")
	for _, p := range pending {
		stuck := ""
		if p.Stuck {
			stuck = "yes"
		}
		fmt.Fprintf(out, "%-9s %-14s %-9s %-8s %-6s %s\n",
			p.Stage, shortID(p.Key.JobID), fmt.Sprintf("%d/%d", p.Received, p.Total),
			p.Age.Round(time.Second), stuck, p.FileName)
	}
	return nil
}

func runReassemblyEvict(cmd *cobra.Command, args []string) error {
	if evictOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	n, err := apiClient.Evict(cmd.Context(), evictOlderThan, evictStage)
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d pending reassemblies\n", n)
	return nil
}
