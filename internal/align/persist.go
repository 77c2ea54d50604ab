package align

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
)

// AlignmentWriter reads and writes entity alignment maps.
type AlignmentWriter interface {
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	UpdateAlignments(ctx context.Context, id string, alignments models.AlignmentMap) error
}

// PersistReport lists which entities were written.
type PersistReport struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (r *PersistReport) fail(id string, err error) {
	if r.Failed == nil {
		r.Failed = map[string]string{}
	}
	r.Failed[id] = err.Error()
}

// Persister writes alignment results onto source entities.
type Persister struct {
	store  AlignmentWriter
	logger *slog.Logger
}

// NewPersister creates a persister over store.
func NewPersister(store AlignmentWriter, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: store, logger: logger}
}

// MergeSuggested unions incoming into existing by id; on collision the higher
// score wins. The result is sorted by descending score and capped when limit > 0.
func MergeSuggested(existing, incoming []models.AlignmentEntry, limit int) []models.AlignmentEntry {
	byID := make(map[string]models.AlignmentEntry, len(existing)+len(incoming))
	for _, list := range [][]models.AlignmentEntry{existing, incoming} {
		for _, e := range list {
			if cur, ok := byID[e.ID]; !ok || e.Score > cur.Score {
				byID[e.ID] = e
			}
		}
	}
	out := make([]models.AlignmentEntry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	models.SortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// NormalizeAlignments returns m with every record's lists sorted by
// descending score and duplicate suggested ids collapsed to the best score.
// Imported entities go through it before they are stored.
func NormalizeAlignments(m models.AlignmentMap) models.AlignmentMap {
	if m == nil {
		return nil
	}
	out := make(models.AlignmentMap, len(m))
	for dim, bySource := range m {
		for src, rec := range bySource {
			aligned := slices.Clone(rec.Aligned)
			if aligned == nil {
				aligned = []models.AlignmentEntry{}
			}
			out.Set(dim, src, models.AlignedSuggested{
				Aligned:   aligned,
				Suggested: MergeSuggested(nil, rec.Suggested, 0),
			})
		}
	}
	return out
}

// UpdateSuggested writes results[i] onto the entity results[i].QueryID under
// (dim, source). Only suggested changes. Each entity is written on its own;
// earlier writes stay committed when a later one fails.
func (p *Persister) UpdateSuggested(ctx context.Context, results []models.AlignmentResult, dim models.Dimension, source models.Source, mode models.PersistMode) PersistReport {
	report := PersistReport{Succeeded: []string{}}
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			report.fail(r.QueryID, err)
			continue
		}
		if err := p.updateOne(ctx, r, dim, source, mode); err != nil {
			p.logger.Warn("failed to persist alignment", "id", r.QueryID, "error", err)
			report.fail(r.QueryID, err)
			continue
		}
		report.Succeeded = append(report.Succeeded, r.QueryID)
	}
	return report
}

func (p *Persister) updateOne(ctx context.Context, r models.AlignmentResult, dim models.Dimension, source models.Source, mode models.PersistMode) error {
	if r.QueryID == "" {
		return errs.Validation("result has no entity id")
	}
	ent, err := p.store.GetEntity(ctx, r.QueryID)
	if err != nil {
		return fmt.Errorf("load entity: %w", err)
	}
	if ent == nil {
		return errs.NotFound("Entity %s not found", r.QueryID)
	}

	rec := ent.Alignments.Get(dim, source)
	incoming := slices.Clone(r.Candidates)
	switch mode {
	case models.ModeMerge:
		rec.Suggested = MergeSuggested(rec.Suggested, incoming, 0)
	case models.ModeReplace, "":
		rec.Suggested = incoming
	default:
		return errs.Validation("unknown mode %q (allowed: replace, merge)", mode)
	}
	if rec.Aligned == nil {
		rec.Aligned = []models.AlignmentEntry{}
	}
	if rec.Suggested == nil {
		rec.Suggested = []models.AlignmentEntry{}
	}
	ent.SetAlignment(dim, source, rec)

	if err := p.store.UpdateAlignments(ctx, ent.ID, ent.Alignments); err != nil {
		return fmt.Errorf("write alignments: %w", err)
	}
	return nil
}

// SetAligned replaces the curated list for (dim, source) on one entity.
func (p *Persister) SetAligned(ctx context.Context, id string, dim models.Dimension, source models.Source, entries []models.AlignmentEntry) (*models.Entity, error) {
	if !dim.Valid() {
		return nil, errs.Validation("unknown dimension %q", dim)
	}
	ent, err := p.store.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	if ent == nil {
		return nil, errs.NotFound("Entity %s not found", id)
	}
	rec := ent.Alignments.Get(dim, source)
	rec.Aligned = MergeSuggested(nil, entries, 0)
	if rec.Suggested == nil {
		rec.Suggested = []models.AlignmentEntry{}
	}
	ent.SetAlignment(dim, source, rec)
	if err := p.store.UpdateAlignments(ctx, id, ent.Alignments); err != nil {
		return nil, fmt.Errorf("write alignments: %w", err)
	}
	return ent, nil
}
