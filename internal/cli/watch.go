package cli

import (
	"fmt"
	"slices"

	"github.com/raphaelgruber/mediaflow/internal/client"
	"github.com/spf13/cobra"
)

var watchHistory bool

var watchCmd = &cobra.Command{
	Use:   "watch [job-id]",
	Short: "Follow job progress or the live status feed",
	Long: `With a job ID, show that job's progress until every item is processed
or failed. Without one, print every status record as the correlator stores
it until interrupted.

Examples:
  mediaflow watch 3f9a...
  mediaflow watch --history`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchHistory, "history", false, "print stored records before live ones")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return followJob(ctx, out, args[0])
	}

	err := apiClient.Watch(ctx, func(ev client.FeedEvent) error {
		if ev.Initial {
			if watchHistory {
				// History arrives newest first.
				records := slices.Clone(ev.Records)
				slices.Reverse(records)
				printRecords(out, records)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Watching status feed (Ctrl+C to stop)")
			return nil
		}
		printRecords(out, ev.Records)
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}
