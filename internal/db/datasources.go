package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/skillalign/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

type dataSourceRow struct {
	ID                    surrealmodels.RecordID   `json:"id"`
	ObjectType            models.ObjectType        `json:"object_type"`
	Sources               []models.Source          `json:"sources"`
	MatchingEngineIndexID map[models.Source]string `json:"matching_engine_index_id"`
	Version               int64                    `json:"version"`
}

func (r dataSourceRow) toModel() models.DataSource {
	ds := models.DataSource{
		ObjectType:            r.ObjectType,
		Sources:               r.Sources,
		MatchingEngineIndexID: r.MatchingEngineIndexID,
		Version:               r.Version,
	}
	if ds.Sources == nil {
		ds.Sources = []models.Source{}
	}
	if ds.MatchingEngineIndexID == nil {
		ds.MatchingEngineIndexID = map[models.Source]string{}
	}
	return ds
}

// ListDataSources returns every registry record ordered by object type.
func (c *Client) ListDataSources(ctx context.Context) ([]models.DataSource, error) {
	rows, err := query[dataSourceRow](ctx, c, `SELECT * FROM data_source ORDER BY object_type`, nil)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	out := make([]models.DataSource, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetDataSource returns the registry record for objectType, or nil if absent.
func (c *Client) GetDataSource(ctx context.Context, objectType models.ObjectType) (*models.DataSource, error) {
	rows, err := query[dataSourceRow](ctx, c, `SELECT * FROM type::record("data_source", $object_type)`,
		map[string]any{"object_type": objectType})
	if err != nil {
		return nil, fmt.Errorf("get data source: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ds := rows[0].toModel()
	return &ds, nil
}

// SaveDataSource writes ds if the stored version still equals expectedVersion.
// expectedVersion 0 means the record must not exist yet.
// Returns ErrConcurrentUpdate when another writer got there first.
func (c *Client) SaveDataSource(ctx context.Context, ds models.DataSource, expectedVersion int64) (*models.DataSource, error) {
	vars := map[string]any{
		"object_type": ds.ObjectType,
		"sources":     ds.Sources,
		"index_ids":   ds.MatchingEngineIndexID,
		"expected":    expectedVersion,
	}
	if ds.Sources == nil {
		vars["sources"] = []models.Source{}
	}
	if ds.MatchingEngineIndexID == nil {
		vars["index_ids"] = map[models.Source]string{}
	}

	var sql string
	if expectedVersion == 0 {
		sql = `
			CREATE type::record("data_source", $object_type) CONTENT {
				object_type: $object_type,
				sources: $sources,
				matching_engine_index_id: $index_ids,
				version: 1
			} RETURN AFTER
		`
	} else {
		sql = `
			UPDATE type::record("data_source", $object_type) SET
				sources = $sources,
				matching_engine_index_id = $index_ids,
				version = version + 1
			WHERE version = $expected
			RETURN AFTER
		`
	}

	rows, err := query[dataSourceRow](ctx, c, sql, vars)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrTransactionConflict) {
			return nil, fmt.Errorf("save data source %s: %w", ds.ObjectType, ErrConcurrentUpdate)
		}
		return nil, fmt.Errorf("save data source: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("save data source %s at version %d: %w", ds.ObjectType, expectedVersion, ErrConcurrentUpdate)
	}
	saved := rows[0].toModel()
	return &saved, nil
}

// DeleteDataSource removes the registry record for objectType. Returns false if absent.
func (c *Client) DeleteDataSource(ctx context.Context, objectType models.ObjectType) (bool, error) {
	rows, err := query[dataSourceRow](ctx, c, `DELETE type::record("data_source", $object_type) RETURN BEFORE`,
		map[string]any{"object_type": objectType})
	if err != nil {
		return false, fmt.Errorf("delete data source: %w", err)
	}
	return len(rows) > 0, nil
}
