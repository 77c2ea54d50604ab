package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/raphaelgruber/skillalign/internal/client"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	Long: `Show per-operation call counts and latencies collected since the server started.

Examples:
  skillalign stats
  skillalign stats --json`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := apiClient.GetServerStats(context.Background())
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	if jsonOut {
		return printJSON(stats)
	}
	printServerStats(stats)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(stats *client.ServerStats) {
	fmt.Printf("Server Statistics (in-memory, since restart)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", stats.UptimeSeconds)

	names := make([]string, 0, len(stats.Operations))
	for name := range stats.Operations {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Printf("\n%s:\n", name)
		printOpStats(stats.Operations[name])
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *client.OperationStats) {
	fmt.Printf("  Calls: %d, Errors: %d, Total: %dms\n", op.Count, op.Errors, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	if op.TotalItems != nil {
		fmt.Printf("  Items: %d total", *op.TotalItems)
		if op.AvgItems != nil {
			fmt.Printf(", avg %.1f", *op.AvgItems)
		}
		if op.MaxItems != nil {
			fmt.Printf(", max %d", *op.MaxItems)
		}
		fmt.Println()
	}
}
