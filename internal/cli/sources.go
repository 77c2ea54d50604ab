package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the data source registry",
	Long: `Show and edit which sources are registered per object type.

Examples:
  skillalign sources
  skillalign sources set skill snhu emsi osn
  skillalign sources remove skill osn
  skillalign sources reload`,
	Args: cobra.NoArgs,
	RunE: runListSources,
}

var sourcesSetCmd = &cobra.Command{
	Use:   "set <object-type> <source>...",
	Short: "Replace the registered sources of an object type",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := apiClient.SetSources(context.Background(), models.ObjectType(args[0]), toSources(args[1:]))
		if err != nil {
			return fmt.Errorf("set sources: %w", err)
		}
		if jsonOut {
			return printJSON(ds)
		}
		printDataSources([]models.DataSource{*ds})
		return nil
	},
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove <object-type> <source>",
	Short: "Unregister one source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.RemoveSource(context.Background(), models.ObjectType(args[0]), models.Source(args[1])); err != nil {
			return fmt.Errorf("remove source: %w", err)
		}
		fmt.Printf("Removed %s from %s\n", args[1], args[0])
		return nil
	},
}

var sourcesReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the registry from the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient.ReloadDataSources(context.Background())
		if err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		if jsonOut {
			return printJSON(list)
		}
		printDataSources(list)
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesSetCmd, sourcesRemoveCmd, sourcesReloadCmd)
}

func runListSources(cmd *cobra.Command, args []string) error {
	list, err := apiClient.ListDataSources(context.Background())
	if err != nil {
		return fmt.Errorf("list data sources: %w", err)
	}
	if jsonOut {
		return printJSON(list)
	}
	printDataSources(list)
	return nil
}

func printDataSources(list []models.DataSource) {
	if len(list) == 0 {
		fmt.Println("No data sources registered")
		return
	}
	slices.SortFunc(list, func(a, b models.DataSource) int {
		return strings.Compare(string(a.ObjectType), string(b.ObjectType))
	})
	for _, ds := range list {
		fmt.Printf("%s (v%d)\n", ds.ObjectType.Label(), ds.Version)
		for _, s := range ds.Sources {
			index := ds.MatchingEngineIndexID[s]
			if index == "" {
				index = "-"
			}
			fmt.Printf("  %-20s index: %s\n", s, index)
		}
	}
}
