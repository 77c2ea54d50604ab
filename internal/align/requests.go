package align

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// SourceAlignments is source -> ranked candidates for one query.
type SourceAlignments map[models.Source][]models.AlignmentEntry

// AlignByIDs aligns stored entities, selected either by id or by the source
// they are tagged with, against the skill corpus of each target source.
// The result is keyed by entity id.
func (e *Engine) AlignByIDs(ctx context.Context, req models.AlignByIDsRequest) (map[string]SourceAlignments, error) {
	objectType := req.ObjectType
	if objectType == "" {
		objectType = models.ObjectTypeSkill
	}
	if len(req.IDs) == 0 && len(req.SourceNames) == 0 {
		return nil, errs.Validation("Both %s IDs and Source name cannot be empty.", objectType.Label())
	}
	topK := req.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	targetType := models.DimensionSkill.TargetObjectType()
	if err := e.CheckTargets(targetType, req.TargetSources, topK); err != nil {
		return nil, err
	}

	out := map[string]SourceAlignments{}
	collect := func(bySource map[models.Source][]models.AlignmentResult) {
		for src, results := range bySource {
			for _, r := range results {
				if out[r.QueryID] == nil {
					out[r.QueryID] = SourceAlignments{}
				}
				out[r.QueryID][src] = r.Candidates
			}
		}
	}

	if len(req.IDs) > 0 {
		queries := make([]Query, 0, len(req.IDs))
		seen := map[string]bool{}
		for _, id := range req.IDs {
			if !seen[id] {
				seen[id] = true
				queries = append(queries, Query{ID: id})
			}
		}
		bySource, err := e.AlignAcrossSources(ctx, queries, targetType, req.TargetSources, topK)
		if err != nil {
			return nil, err
		}
		collect(bySource)
		return out, nil
	}

	for _, src := range req.SourceNames {
		err := e.AlignBySourceName(ctx, objectType, src, targetType, req.TargetSources, topK,
			func(_ context.Context, _ []models.Entity, bySource map[models.Source][]models.AlignmentResult) error {
				collect(bySource)
				return nil
			})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AlignByQuery aligns free text. It never writes to the store.
func (e *Engine) AlignByQuery(ctx context.Context, req models.AlignByQueryRequest) (SourceAlignments, error) {
	if _, err := PrepareTextForEmbedding(req.Name, req.Description); err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	targetType := models.DimensionSkill.TargetObjectType()
	bySource, err := e.AlignAcrossSources(ctx,
		[]Query{{Name: req.Name, Description: req.Description}},
		targetType, req.TargetSources, topK)
	if err != nil {
		return nil, err
	}
	out := make(SourceAlignments, len(bySource))
	for src, results := range bySource {
		out[src] = results[0].Candidates
	}
	return out, nil
}

// PageFunc receives one page of source entities with their alignments.
type PageFunc func(ctx context.Context, page []models.Entity, results map[models.Source][]models.AlignmentResult) error

// AlignBySourceName streams every entity of objectType tagged with source,
// one page at a time, and hands each aligned page to fn. Results are keyed by
// QueryID; entities with neither name nor description have none.
func (e *Engine) AlignBySourceName(ctx context.Context, objectType models.ObjectType, source models.Source, targetType models.ObjectType, targetSources []models.Source, topK int, fn PageFunc) error {
	if err := e.CheckTargets(targetType, targetSources, topK); err != nil {
		return err
	}
	for offset := 0; ; offset += e.pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.store.ListBySourceName(ctx, objectType, source, offset, e.pageSize)
		if err != nil {
			return fmt.Errorf("list %s entities of %s: %w", objectType, source, err)
		}
		if len(page) == 0 {
			return nil
		}
		// entities without text get no result; fn sees them in page only
		queries := make([]Query, 0, len(page))
		for _, ent := range page {
			if _, err := PrepareTextForEmbedding(ent.Name, ent.Description); err != nil {
				e.logger.Warn("skipping entity without text", "id", ent.ID, "source", source)
				continue
			}
			queries = append(queries, Query{ID: ent.ID})
		}
		bySource, err := e.AlignAcrossSources(ctx, queries, targetType, targetSources, topK)
		if err != nil {
			return err
		}
		if err := fn(ctx, page, bySource); err != nil {
			return err
		}
		if len(page) < e.pageSize {
			return nil
		}
	}
}

// CheckTargets runs the cheap validations that must pass before any entity is fetched.
func (e *Engine) CheckTargets(targetType models.ObjectType, targetSources []models.Source, topK int) error {
	if topK <= 0 {
		return errs.Validation("top_k must be positive, got %d", topK)
	}
	if err := e.sources.Validate(targetType, targetSources); err != nil {
		return err
	}
	for _, src := range targetSources {
		if _, err := e.sources.IndexID(targetType, src); err != nil {
			return err
		}
	}
	return nil
}
