package cli

import (
	"fmt"
	"strings"

	"github.com/raphaelgruber/mediaflow/internal/client"
	"github.com/spf13/cobra"
)

var graphLimit int

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Query and edit the knowledge graph",
	Long: `Query and edit the knowledge graph built by the graph assembler.

Subcommands:
  find    Find nodes whose name contains a text
  trace   Show every edge reachable from a node
  rename  Rename every node with a given name

Examples:
  mediaflow graph find diesel
  mediaflow graph trace "engines.pdf"
  mediaflow graph rename "Diesel Engine" "Diesel engine"`,
}

var graphFindCmd = &cobra.Command{
	Use:   "find <text>",
	Short: "Find nodes whose name contains text, ignoring case",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphFind,
}

var graphTraceCmd = &cobra.Command{
	Use:   "trace <name>",
	Short: "Show every edge reachable from the named node",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphTrace,
}

var graphRenameCmd = &cobra.Command{
	Use:   "rename <old-name> <new-name>",
	Short: "Rename every node called old-name",
	Args:  cobra.ExactArgs(2),
	RunE:  runGraphRename,
}

func init() {
	graphFindCmd.Flags().IntVarP(&graphLimit, "limit", "n", 50, "max results")

	graphCmd.AddCommand(graphFindCmd)
	graphCmd.AddCommand(graphTraceCmd)
	graphCmd.AddCommand(graphRenameCmd)
}

func runGraphFind(cmd *cobra.Command, args []string) error {
	nodes, err := apiClient.FindNodes(cmd.Context(), args[0], graphLimit)
	if err != nil {
		return fmt.Errorf("find nodes: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(nodes) == 0 {
		fmt.Fprintln(out, "No nodes found")
		return nil
	}
	for _, n := range nodes {
		fmt.Fprintln(out, formatNode(n))
	}
	return nil
}

func runGraphTrace(cmd *cobra.Command, args []string) error {
	tr, err := apiClient.Trace(cmd.Context(), args[0])
	if client.IsNotFound(err) {
		return fmt.Errorf("node not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, formatNode(tr.Node))
	if tr.Node.Profile != nil && *tr.Node.Profile != "" {
		fmt.Fprintf(out, "  %s\n", *tr.Node.Profile)
	}
	if len(tr.Edges) == 0 {
		fmt.Fprintln(out, "\nNo edges")
		return nil
	}
	fmt.Fprintf(out, "\nEdges (%d):\n", len(tr.Edges))
	for _, e := range tr.Edges {
		fmt.Fprintf(out, "  %s - [%s] -> %s\n", e.From, e.RelType, e.To)
	}
	return nil
}

func runGraphRename(cmd *cobra.Command, args []string) error {
	n, err := apiClient.Rename(cmd.Context(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	out := cmd.OutOrStdout()
	if n == 0 {
		fmt.Fprintf(out, "No node named %q\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "Renamed %d node(s): %q -> %q\n", n, args[0], args[1])
	return nil
}

func formatNode(n client.Node) string {
	line := n.Name
	if len(n.Labels) > 0 {
		line += " [" + strings.Join(n.Labels, ", ") + "]"
	}
	if n.PredictedClass != nil && *n.PredictedClass != "" {
		line += " class=" + *n.PredictedClass
	}
	if verbose && n.ContentID != nil {
		line += " content=" + *n.ContentID
	}
	return line
}
