package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/raphaelgruber/skillalign/internal/client"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/spf13/cobra"
)

var (
	alignSources     []string
	alignTopK        int
	alignName        string
	alignDescription string
	alignObjectType  string
)

var alignCmd = &cobra.Command{
	Use:   "align",
	Short: "Align entities or free text against skill sources",
	Long: `Rank the closest skills from one or more reference sources.

Examples:
  skillalign align query --name "IT Services" --sources snhu,emsi
  skillalign align ids skill:123 skill:456 --sources osn --top-k 5
  skillalign align source acme --sources snhu`,
}

var alignQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Align free text (never stored)",
	Args:  cobra.NoArgs,
	RunE:  runAlignQuery,
}

var alignIDsCmd = &cobra.Command{
	Use:   "ids <id>...",
	Short: "Align stored entities by id",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAlignIDs,
}

var alignSourceCmd = &cobra.Command{
	Use:   "source <source-name>...",
	Short: "Align every stored entity tagged with the given source names",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAlignSource,
}

func init() {
	alignCmd.PersistentFlags().StringSliceVarP(&alignSources, "sources", "s", nil, "target skill sources (required)")
	alignCmd.PersistentFlags().IntVarP(&alignTopK, "top-k", "k", 10, "candidates per source")
	_ = alignCmd.MarkPersistentFlagRequired("sources")

	alignQueryCmd.Flags().StringVar(&alignName, "name", "", "name to align")
	alignQueryCmd.Flags().StringVar(&alignDescription, "description", "", "description to align")
	alignSourceCmd.Flags().StringVar(&alignObjectType, "object-type", string(models.ObjectTypeSkill), "object type of the entities to align")
	alignIDsCmd.Flags().StringVar(&alignObjectType, "object-type", string(models.ObjectTypeSkill), "object type of the entities to align")

	alignCmd.AddCommand(alignQueryCmd, alignIDsCmd, alignSourceCmd)
}

func toSources(in []string) []models.Source {
	out := make([]models.Source, len(in))
	for i, s := range in {
		out[i] = models.Source(s)
	}
	return out
}

func runAlignQuery(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	res, err := apiClient.AlignQuery(ctx, models.AlignByQueryRequest{
		Name:          alignName,
		Description:   alignDescription,
		TargetSources: toSources(alignSources),
		TopK:          alignTopK,
	})
	if err != nil {
		return fmt.Errorf("align query: %w", err)
	}
	if jsonOut {
		return printJSON(res)
	}
	printAlignments(res.Name, res.AlignedSkills)
	return nil
}

func runAlignIDs(cmd *cobra.Command, args []string) error {
	return alignStored(models.AlignByIDsRequest{IDs: args})
}

func runAlignSource(cmd *cobra.Command, args []string) error {
	return alignStored(models.AlignByIDsRequest{SourceNames: toSources(args)})
}

func alignStored(req models.AlignByIDsRequest) error {
	ctx := context.Background()
	req.ObjectType = models.ObjectType(alignObjectType)
	req.TargetSources = toSources(alignSources)
	req.TopK = alignTopK

	res, err := apiClient.AlignIDs(ctx, req)
	if err != nil {
		return fmt.Errorf("align: %w", err)
	}
	if jsonOut {
		return printJSON(res)
	}
	if len(res) == 0 {
		fmt.Println("No alignments.")
		return nil
	}

	ids := make([]string, 0, len(res))
	for id := range res {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		printAlignments(id, res[id])
	}
	return nil
}

// printAlignments lists the ranked candidates of one query, source by source.
func printAlignments(title string, bySource client.SourceAlignments) {
	fmt.Printf("%s\n", title)
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, string(s))
	}
	slices.Sort(sources)
	for _, s := range sources {
		entries := bySource[models.Source(s)]
		fmt.Printf("  [%s]\n", s)
		if len(entries) == 0 {
			fmt.Println("    (no candidates)")
			continue
		}
		for i, e := range entries {
			fmt.Printf("    %2d. %-40s %.4f", i+1, e.Name, e.Score)
			if verbose {
				fmt.Printf("  %s", e.ID)
			}
			fmt.Println()
		}
	}
	fmt.Println()
}
