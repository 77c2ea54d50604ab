package align

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/raphaelgruber/skillalign/internal/vectorindex"
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// PointWriter stores vectors in an index.
type PointWriter interface {
	UpsertDatapoints(ctx context.Context, indexID string, points []vectorindex.Datapoint) error
}

// Indexer loads a source's entities into its vector index.
type Indexer struct {
	store    EntityStore
	embedder Embedder
	index    PointWriter
	pageSize int
	logger   *slog.Logger
}

// NewIndexer creates an indexer. pageSize <= 0 uses DefaultPageSize.
func NewIndexer(store EntityStore, embedder Embedder, index PointWriter, pageSize int, logger *slog.Logger) *Indexer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, embedder: embedder, index: index, pageSize: pageSize, logger: logger}
}

// Populate embeds every entity of (objectType, source) and upserts it into indexID.
// Entities without text are skipped. Returns the number of points written.
func (ix *Indexer) Populate(ctx context.Context, objectType models.ObjectType, source models.Source, indexID string) (int, error) {
	written := 0
	for offset := 0; ; offset += ix.pageSize {
		page, err := ix.store.ListBySourceName(ctx, objectType, source, offset, ix.pageSize)
		if err != nil {
			return written, fmt.Errorf("list %s entities of %s: %w", objectType, source, err)
		}
		if len(page) == 0 {
			break
		}

		points := make([]vectorindex.Datapoint, 0, len(page))
		texts := make([]string, 0, len(page))
		for _, ent := range page {
			text, err := PrepareTextForEmbedding(ent.Name, ent.Description)
			if err != nil {
				ix.logger.Warn("skipping entity without text", "id", ent.ID)
				continue
			}
			points = append(points, vectorindex.Datapoint{EntityID: ent.ID, Name: ent.Name})
			texts = append(texts, text)
		}
		if len(texts) > 0 {
			vectors, err := ix.embedder.Embed(ctx, texts)
			if err != nil {
				return written, fmt.Errorf("embed page at offset %d: %w", offset, err)
			}
			for i := range points {
				points[i].Vector = vectors[i]
			}
			if err := ix.index.UpsertDatapoints(ctx, indexID, points); err != nil {
				return written, fmt.Errorf("upsert page at offset %d: %w", offset, err)
			}
			written += len(points)
		}
		if len(page) < ix.pageSize {
			break
		}
	}
	ix.logger.Info("index populated", "index", indexID, "points", written)
	return written, nil
}
