// Package cli provides the command-line interface for skillalign.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/raphaelgruber/skillalign/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	jsonOut   bool
	serverURL string

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "skillalign",
	Short: "Align skills, roles and learning units to reference taxonomies",
	Long: `skillalign ranks entities against reference skill corpora (SNHU, EMSI, OSN, ...)
with a bi-encoder retrieval stage followed by cross-encoder reranking.

Interactive alignments return immediately; batch jobs run in the background
and can be watched, aborted and deleted.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON responses")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $SKILLALIGN_SERVER_URL or http://localhost:8585)")

	rootCmd.AddCommand(alignCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(statsCmd)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
