package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/raphaelgruber/mediaflow/internal/client"
	"github.com/spf13/cobra"
)

var (
	statusJob   string
	statusForce bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect or clear stored status records",
	Long: `Inspect or clear the status records the correlator stored.

Examples:
  mediaflow status list
  mediaflow status list --job 3f9a...
  mediaflow status clear --force`,
}

var statusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List status records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runStatusList,
}

var statusClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every status record",
	Args:  cobra.NoArgs,
	RunE:  runStatusClear,
}

func init() {
	statusListCmd.Flags().StringVarP(&statusJob, "job", "j", "", "only records of this job")
	statusClearCmd.Flags().BoolVarP(&statusForce, "force", "f", false, "skip confirmation")

	statusCmd.AddCommand(statusListCmd)
	statusCmd.AddCommand(statusClearCmd)
}

func runStatusList(cmd *cobra.Command, args []string) error {
	records, err := apiClient.Status(cmd.Context(), statusJob)
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No status records found")
		return nil
	}
	printRecords(out, records)
	return nil
}

func runStatusClear(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !statusForce {
		fmt.Fprint(out, "About to delete every status record.\n\nContinue? [y/N]: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Cancelled")
			return nil
		}
	}

	n, err := apiClient.ClearStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("clear status: %w", err)
	}
	fmt.Fprintf(out, "Deleted %d status records\n", n)
	return nil
}

// formatRecord renders one status record as a single line.
func formatRecord(rec client.StatusRecord) string {
	ts := ""
	if !rec.Time.IsZero() {
		ts = rec.Time.Local().Format("15:04:05")
	}
	line := fmt.Sprintf("%-8s %-12s %-9s %-8s %-9s %s", ts, shortID(rec.JobID), rec.Status, rec.Stage, rec.ContentType, rec.FileName)
	if rec.Message != "" {
		line += " - " + rec.Message
	}
	return strings.TrimRight(line, " ")
}

func printRecords(out io.Writer, records []client.StatusRecord) {
	for _, rec := range records {
		fmt.Fprintln(out, formatRecord(rec))
	}
}
