package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/spf13/cobra"
)

var (
	batchIDs        []string
	batchSourceName string
	batchSources    []string
	batchTopK       int
	batchUpdate     bool
	batchMode       string
	batchDimension  string
	batchObjectType string
	batchWatch      bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Start a background alignment job",
	Long: `Align many stored entities in the background and optionally write the
suggestions back onto each entity.

Examples:
  skillalign batch --source-name acme --sources snhu,emsi --update
  skillalign batch --ids skill:1,skill:2 --sources osn --mode merge --watch
  skillalign batch --source-name acme --sources onet --dimension role_alignment`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringSliceVar(&batchIDs, "ids", nil, "entity ids to align")
	batchCmd.Flags().StringVar(&batchSourceName, "source-name", "", "align every entity of this source")
	batchCmd.Flags().StringSliceVarP(&batchSources, "sources", "s", nil, "target sources (required)")
	batchCmd.Flags().IntVarP(&batchTopK, "top-k", "k", 10, "candidates per source")
	batchCmd.Flags().BoolVar(&batchUpdate, "update", false, "write suggestions back to the entities")
	batchCmd.Flags().StringVar(&batchMode, "mode", string(models.ModeReplace), "replace or merge existing suggestions")
	batchCmd.Flags().StringVar(&batchDimension, "dimension", string(models.DimensionSkill), "alignment dimension")
	batchCmd.Flags().StringVar(&batchObjectType, "object-type", string(models.ObjectTypeSkill), "object type of the entities to align")
	batchCmd.Flags().BoolVarP(&batchWatch, "watch", "w", false, "follow the job until it finishes")
	_ = batchCmd.MarkFlagRequired("sources")
	batchCmd.MarkFlagsMutuallyExclusive("ids", "source-name")
}

func runBatch(cmd *cobra.Command, args []string) error {
	if len(batchIDs) == 0 && batchSourceName == "" {
		return errors.New("either --ids or --source-name is required")
	}

	ctx := context.Background()
	ref, err := apiClient.StartBatch(ctx, models.BatchAlignRequest{
		IDs:              batchIDs,
		SourceName:       models.Source(batchSourceName),
		ObjectType:       models.ObjectType(batchObjectType),
		TargetSources:    toSources(batchSources),
		TopK:             batchTopK,
		UpdateAlignments: batchUpdate,
		Mode:             models.PersistMode(batchMode),
		Dimension:        models.Dimension(batchDimension),
	})
	if err != nil {
		return fmt.Errorf("start batch: %w", err)
	}

	if !batchWatch {
		if jsonOut {
			return printJSON(ref)
		}
		fmt.Printf("Started job %s (%s)\n", ref.JobName, ref.Status)
		fmt.Printf("Use 'skillalign jobs watch %s' to follow it.\n", ref.JobName)
		return nil
	}

	jobType = "batch_align"
	return watchJob(ctx, ref.JobName)
}
