package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// importBatchSize bounds one upsert request.
const importBatchSize = 200

// entityRecord is one entry of an import file. JSON files parse too since JSON is valid YAML.
type entityRecord struct {
	ID          string `yaml:"id"`
	ObjectType  string `yaml:"object_type"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	SourceName  string `yaml:"source_name"`
}

type entityFile struct {
	Entities []entityRecord `yaml:"entities"`
}

var (
	importObjectType string
	importSource     string
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Import and inspect alignable entities",
	Long: `Load entities into the store and look at their alignments.

Examples:
  skillalign entities import snhu-skills.yaml --source snhu
  skillalign entities show skill:123
  skillalign entities align skill:123 skill_alignment snhu snhu:42=0.93 snhu:7`,
}

var entitiesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Upsert entities from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportEntities,
}

var entitiesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one entity with its alignments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := apiClient.GetEntity(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get entity: %w", err)
		}
		if jsonOut {
			return printJSON(e)
		}
		printEntity(e)
		return nil
	},
}

var entitiesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.DeleteEntity(context.Background(), args[0]); err != nil {
			return fmt.Errorf("delete entity: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var entitiesAlignCmd = &cobra.Command{
	Use:   "align <id> <dimension> <source> [target-id[=score]]...",
	Short: "Replace the curated alignments of an entity for one source",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runSetAligned,
}

func init() {
	entitiesImportCmd.Flags().StringVar(&importObjectType, "object-type", "", "object type for records without one (default skill)")
	entitiesImportCmd.Flags().StringVar(&importSource, "source", "", "source name for records without one")
	entitiesCmd.AddCommand(entitiesImportCmd, entitiesShowCmd, entitiesDeleteCmd, entitiesAlignCmd)
}

func loadEntityFile(path string) ([]models.Entity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file entityFile
	if err := yaml.Unmarshal(raw, &file); err != nil || len(file.Entities) == 0 {
		// A bare list is accepted as well.
		var list []entityRecord
		if listErr := yaml.Unmarshal(raw, &list); listErr != nil {
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			return nil, fmt.Errorf("parse %s: %w", path, listErr)
		}
		file.Entities = list
	}

	out := make([]models.Entity, 0, len(file.Entities))
	for i, rec := range file.Entities {
		if rec.ID == "" {
			return nil, fmt.Errorf("%s: entry %d has no id", path, i+1)
		}
		e := models.Entity{
			ID:          rec.ID,
			ObjectType:  models.ObjectType(rec.ObjectType),
			Name:        rec.Name,
			Description: rec.Description,
			SourceName:  models.Source(rec.SourceName),
		}
		if e.ObjectType == "" {
			e.ObjectType = models.ObjectType(importObjectType)
		}
		if e.SourceName == "" {
			e.SourceName = models.Source(importSource)
		}
		out = append(out, e)
	}
	return out, nil
}

func runImportEntities(cmd *cobra.Command, args []string) error {
	entities, err := loadEntityFile(args[0])
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Println("Nothing to import")
		return nil
	}

	ctx := context.Background()
	imported := 0
	for chunk := range slices.Chunk(entities, importBatchSize) {
		saved, err := apiClient.UpsertEntities(ctx, chunk)
		if err != nil {
			return fmt.Errorf("upsert after %d entities: %w", imported, err)
		}
		imported += len(saved)
		if verbose {
			fmt.Printf("  %d/%d\n", imported, len(entities))
		}
	}
	fmt.Printf("Imported %d entities from %s\n", imported, args[0])
	return nil
}

func runSetAligned(cmd *cobra.Command, args []string) error {
	aligned := make([]models.AlignmentEntry, 0, len(args)-3)
	for _, arg := range args[3:] {
		entry := models.AlignmentEntry{ID: arg, Score: 1}
		if id, score, ok := strings.Cut(arg, "="); ok {
			entry.ID = id
			if _, err := fmt.Sscanf(score, "%g", &entry.Score); err != nil {
				return fmt.Errorf("invalid score in %q", arg)
			}
		}
		aligned = append(aligned, entry)
	}

	e, err := apiClient.SetAligned(context.Background(), args[0], models.Dimension(args[1]), models.Source(args[2]), aligned)
	if err != nil {
		return fmt.Errorf("set aligned: %w", err)
	}
	if jsonOut {
		return printJSON(e)
	}
	printEntity(e)
	return nil
}

func printEntity(e *models.Entity) {
	fmt.Printf("%s  %s\n", e.ID, e.Name)
	fmt.Printf("  Type: %s\n", e.ObjectType.Label())
	if e.SourceName != "" {
		fmt.Printf("  Source: %s\n", e.SourceName)
	}
	if e.Description != "" {
		fmt.Printf("  Description: %s\n", e.Description)
	}

	dims := make([]string, 0, len(e.Alignments))
	for d := range e.Alignments {
		dims = append(dims, string(d))
	}
	slices.Sort(dims)
	for _, d := range dims {
		bySource := e.Alignments[models.Dimension(d)]
		sources := make([]string, 0, len(bySource))
		for s := range bySource {
			sources = append(sources, string(s))
		}
		slices.Sort(sources)

		fmt.Printf("\n  %s\n", d)
		for _, s := range sources {
			rec := bySource[models.Source(s)]
			fmt.Printf("    [%s] aligned %d, suggested %d\n", s, len(rec.Aligned), len(rec.Suggested))
			for _, a := range rec.Aligned {
				fmt.Printf("      ✓ %-40s %.4f\n", nameOr(a), a.Score)
			}
			for _, a := range rec.Suggested {
				fmt.Printf("        %-40s %.4f\n", nameOr(a), a.Score)
			}
		}
	}
}

func nameOr(a models.AlignmentEntry) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}
