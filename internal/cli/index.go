package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/skillalign/internal/client"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/spf13/cobra"
)

var (
	indexWait       bool
	indexDimensions int
	indexNeighbors  int
	indexDistance   string
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage vector indexes",
	Long: `Create, populate, inspect and delete the vector index of a source.

Examples:
  skillalign index ensure skill snhu --wait
  skillalign index populate skill snhu --wait
  skillalign index show skill snhu
  skillalign index delete skill snhu`,
}

var indexEnsureCmd = &cobra.Command{
	Use:   "ensure <object-type> <source>",
	Short: "Create an index if missing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := apiClient.EnsureIndex(context.Background(), client.IndexParams{
			ObjectType:                models.ObjectType(args[0]),
			Source:                    models.Source(args[1]),
			Dimensions:                indexDimensions,
			ApproximateNeighborsCount: indexNeighbors,
			Distance:                  indexDistance,
		})
		if err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
		return reportOperation(op)
	},
}

var indexPopulateCmd = &cobra.Command{
	Use:   "populate <object-type> <source>",
	Short: "Embed every entity of a source into its index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := apiClient.PopulateIndex(context.Background(), models.ObjectType(args[0]), models.Source(args[1]))
		if err != nil {
			return fmt.Errorf("populate index: %w", err)
		}
		return reportOperation(op)
	},
}

var indexShowCmd = &cobra.Command{
	Use:   "show <object-type> <source>",
	Short: "Describe an index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := apiClient.GetIndex(context.Background(), models.ObjectType(args[0]), models.Source(args[1]))
		if err != nil {
			return fmt.Errorf("get index: %w", err)
		}
		if jsonOut {
			return printJSON(h)
		}
		printIndex(h)
		return nil
	},
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete <object-type> <source>",
	Short: "Delete an index (the source stays registered)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.DeleteIndex(context.Background(), models.ObjectType(args[0]), models.Source(args[1])); err != nil {
			return fmt.Errorf("delete index: %w", err)
		}
		fmt.Printf("Deleted index %s\n", models.IndexDisplayName(models.ObjectType(args[0]), models.Source(args[1])))
		return nil
	},
}

var operationCmd = &cobra.Command{
	Use:   "operation <name>",
	Short: "Show a long-running index operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := apiClient.GetOperation(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get operation: %w", err)
		}
		return reportOperation(op)
	},
}

func init() {
	indexCmd.PersistentFlags().BoolVarP(&indexWait, "wait", "w", false, "wait for the operation to finish")
	indexEnsureCmd.Flags().IntVar(&indexDimensions, "dimensions", 0, "vector dimension (default: server embedding dimension)")
	indexEnsureCmd.Flags().IntVar(&indexNeighbors, "neighbors", 0, "approximate neighbors count hint")
	indexEnsureCmd.Flags().StringVar(&indexDistance, "distance", "", "distance metric (cosine, dot, euclid)")

	indexCmd.AddCommand(indexEnsureCmd, indexPopulateCmd, indexShowCmd, indexDeleteCmd, operationCmd)
}

func reportOperation(op *client.Operation) error {
	if indexWait && !op.Done {
		done, err := apiClient.WaitOperation(context.Background(), op.Name, time.Second)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", op.Name, err)
		}
		op = done
	}
	if jsonOut {
		return printJSON(op)
	}

	state := "running"
	if op.Done {
		state = "done"
	}
	fmt.Printf("%s  %s %s [%s]\n", op.Name, op.Kind, op.Target, state)
	if op.Error != "" {
		return fmt.Errorf("operation failed: %s", op.Error)
	}
	if op.Result != nil {
		printIndex(op.Result)
	}
	return nil
}

func printIndex(h *client.IndexHandle) {
	fmt.Printf("Index: %s\n", h.ID)
	fmt.Printf("  Dimensions: %d\n", h.Dimensions)
	fmt.Printf("  Distance: %s\n", h.Distance)
	fmt.Printf("  Points: %d\n", h.Points)
}
