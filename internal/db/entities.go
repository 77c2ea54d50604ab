package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/skillalign/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const entityTable = "entity"

type entityRow struct {
	ID               surrealmodels.RecordID `json:"id"`
	ObjectType       models.ObjectType      `json:"object_type"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	SourceName       models.Source          `json:"source_name"`
	Alignments       models.AlignmentMap    `json:"alignments"`
	CreatedTime      time.Time              `json:"created_time"`
	LastModifiedTime time.Time              `json:"last_modified_time"`
}

func (r entityRow) toModel() (models.Entity, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.Entity{}, err
	}
	return models.Entity{
		ID:               id,
		ObjectType:       r.ObjectType,
		Name:             r.Name,
		Description:      r.Description,
		SourceName:       r.SourceName,
		Alignments:       r.Alignments,
		CreatedTime:      r.CreatedTime,
		LastModifiedTime: r.LastModifiedTime,
	}, nil
}

func entitiesFromRows(rows []entityRow) ([]models.Entity, error) {
	out := make([]models.Entity, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetEntity retrieves an entity by ID.
// Returns nil if not found.
func (c *Client) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	rows, err := query[entityRow](ctx, c, `SELECT * FROM type::record("entity", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	e, err := rows[0].toModel()
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return &e, nil
}

// GetEntities retrieves the entities that exist among ids, in no particular order.
func (c *Client) GetEntities(ctx context.Context, ids []string) ([]models.Entity, error) {
	if len(ids) == 0 {
		return []models.Entity{}, nil
	}
	recordIDs := make([]surrealmodels.RecordID, len(ids))
	for i, id := range ids {
		recordIDs[i] = surrealmodels.RecordID{Table: entityTable, ID: id}
	}

	rows, err := query[entityRow](ctx, c, `SELECT * FROM $ids`, map[string]any{"ids": recordIDs})
	if err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	entities, err := entitiesFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	return entities, nil
}

// ListBySourceName pages through entities of one object type tagged with source.
func (c *Client) ListBySourceName(ctx context.Context, objectType models.ObjectType, source models.Source, offset, limit int) ([]models.Entity, error) {
	rows, err := query[entityRow](ctx, c, `
		SELECT * FROM entity
		WHERE object_type = $object_type AND source_name = $source
		ORDER BY id
		LIMIT $limit START $offset
	`, map[string]any{
		"object_type": objectType,
		"source":      source,
		"limit":       limit,
		"offset":      offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list entities by source: %w", err)
	}
	entities, err := entitiesFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("list entities by source: %w", err)
	}
	return entities, nil
}

// CountBySourceName counts entities of one object type tagged with source.
func (c *Client) CountBySourceName(ctx context.Context, objectType models.ObjectType, source models.Source) (int, error) {
	rows, err := query[struct {
		C int `json:"c"`
	}](ctx, c, `
		SELECT count() AS c FROM entity
		WHERE object_type = $object_type AND source_name = $source
		GROUP ALL
	`, map[string]any{"object_type": objectType, "source": source})
	if err != nil {
		return 0, fmt.Errorf("count entities by source: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].C, nil
}

// UpsertEntity creates or updates an entity by ID.
// Alignments are only overwritten when the input carries them.
func (c *Client) UpsertEntity(ctx context.Context, e models.Entity) (*models.Entity, error) {
	alignClause := ""
	vars := map[string]any{
		"id":          e.ID,
		"object_type": e.ObjectType,
		"name":        e.Name,
		"description": e.Description,
		"source":      e.SourceName,
	}
	if e.Alignments != nil {
		alignClause = "alignments = $alignments,"
		vars["alignments"] = e.Alignments
	}

	sql := fmt.Sprintf(`
		UPSERT type::record("entity", $id) SET
			object_type = $object_type,
			name = $name,
			description = $description,
			source_name = $source,
			%s
			last_modified_time = time::now()
		RETURN AFTER
	`, alignClause)

	rows, err := query[entityRow](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("upsert entity: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("upsert entity: no result returned")
	}
	out, err := rows[0].toModel()
	if err != nil {
		return nil, fmt.Errorf("upsert entity: %w", err)
	}
	return &out, nil
}

// UpdateAlignments replaces the alignment map of an existing entity.
// Returns ErrNotFound when the entity does not exist.
func (c *Client) UpdateAlignments(ctx context.Context, id string, alignments models.AlignmentMap) error {
	if alignments == nil {
		alignments = models.AlignmentMap{}
	}
	rows, err := query[entityRow](ctx, c, `
		UPDATE type::record("entity", $id) SET
			alignments = $alignments,
			last_modified_time = time::now()
		RETURN AFTER
	`, map[string]any{"id": id, "alignments": alignments})
	if err != nil {
		return fmt.Errorf("update alignments: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("update alignments %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteEntity deletes an entity by ID. Returns false if it did not exist.
func (c *Client) DeleteEntity(ctx context.Context, id string) (bool, error) {
	rows, err := query[entityRow](ctx, c, `DELETE type::record("entity", $id) RETURN BEFORE`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	return len(rows) > 0, nil
}
