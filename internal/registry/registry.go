// Package registry holds the DataSource registry: which sources are valid per
// object type and which vector index backs each of them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/raphaelgruber/skillalign/internal/db"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/models"
	"gopkg.in/yaml.v3"
)

// maxWriteAttempts bounds compare-and-swap retries on a contended record.
const maxWriteAttempts = 5

// Store persists registry records with optimistic versioning.
type Store interface {
	ListDataSources(ctx context.Context) ([]models.DataSource, error)
	GetDataSource(ctx context.Context, objectType models.ObjectType) (*models.DataSource, error)
	SaveDataSource(ctx context.Context, ds models.DataSource, expectedVersion int64) (*models.DataSource, error)
	DeleteDataSource(ctx context.Context, objectType models.ObjectType) (bool, error)
}

// Registry is a typed, read-mostly view of the data_source records.
// Reads hit an immutable snapshot; writes go through the store and swap it.
type Registry struct {
	store  Store
	snap   atomic.Pointer[map[models.ObjectType]models.DataSource]
	mu     sync.Mutex
	locks  map[models.ObjectType]*sync.Mutex
	logger *slog.Logger
}

// New creates an empty registry. Call Reload before serving traffic.
func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  store,
		locks:  make(map[models.ObjectType]*sync.Mutex),
		logger: logger,
	}
	empty := map[models.ObjectType]models.DataSource{}
	r.snap.Store(&empty)
	return r
}

// Reload replaces the snapshot with the store's current contents.
func (r *Registry) Reload(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		old := r.snap.Load()
		list, err := r.store.ListDataSources(ctx)
		if err != nil {
			return fmt.Errorf("reload data sources: %w", err)
		}
		next := make(map[models.ObjectType]models.DataSource, len(list))
		for _, ds := range list {
			next[ds.ObjectType] = ds.Clone()
		}
		// a local write landing during the read invalidates it; read again
		if r.snap.CompareAndSwap(old, &next) {
			r.logger.Debug("data source registry loaded", "object_types", len(next))
			return nil
		}
		if attempt == maxWriteAttempts {
			r.snap.Store(&next)
			return nil
		}
	}
}

func (r *Registry) current() map[models.ObjectType]models.DataSource {
	return *r.snap.Load()
}

func (r *Registry) replace(ds models.DataSource, deleted bool) {
	// writers hold their object type's lock; the CAS on r.snap covers other types
	for {
		old := r.snap.Load()
		next := maps.Clone(*old)
		if deleted {
			delete(next, ds.ObjectType)
		} else {
			next[ds.ObjectType] = ds.Clone()
		}
		if r.snap.CompareAndSwap(old, &next) {
			return
		}
	}
}

// List returns all records ordered by object type.
func (r *Registry) List() []models.DataSource {
	cur := r.current()
	out := make([]models.DataSource, 0, len(cur))
	for _, ds := range cur {
		out = append(out, ds.Clone())
	}
	slices.SortFunc(out, func(a, b models.DataSource) int { return strings.Compare(string(a.ObjectType), string(b.ObjectType)) })
	return out
}

// Get returns the record for objectType.
func (r *Registry) Get(objectType models.ObjectType) (models.DataSource, bool) {
	ds, ok := r.current()[objectType]
	if !ok {
		return models.DataSource{}, false
	}
	return ds.Clone(), true
}

// Sources returns the registered sources of objectType.
func (r *Registry) Sources(objectType models.ObjectType) []models.Source {
	return slices.Clone(r.current()[objectType].Sources)
}

// Validate checks that every source is registered for objectType.
func (r *Registry) Validate(objectType models.ObjectType, sources []models.Source) error {
	ds, ok := r.current()[objectType]
	if !ok {
		return errs.Validation("Unknown object type %q. Allowed object types: %s", objectType, joinTypes(r.current()))
	}
	if len(sources) == 0 {
		return errs.Validation("At least one %s alignment source is required. Allowed sources: %s",
			objectType.Label(), joinSources(ds.Sources))
	}
	var bad []models.Source
	for _, s := range sources {
		if !ds.HasSource(s) {
			bad = append(bad, s)
		}
	}
	if len(bad) > 0 {
		return errs.Validation("Invalid %s source(s): %s. Allowed sources: %s",
			objectType.Label(), joinSources(bad), joinSources(ds.Sources))
	}
	return nil
}

// IndexID returns the vector index backing (objectType, source).
func (r *Registry) IndexID(objectType models.ObjectType, source models.Source) (string, error) {
	if err := r.Validate(objectType, []models.Source{source}); err != nil {
		return "", err
	}
	id := r.current()[objectType].MatchingEngineIndexID[source]
	if id == "" {
		return "", errs.Internal("No embeddings index for %s source %q. Please create an embeddings index first.",
			objectType.Label(), source)
	}
	return id, nil
}

func (r *Registry) lockFor(objectType models.ObjectType) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[objectType]
	if !ok {
		l = &sync.Mutex{}
		r.locks[objectType] = l
	}
	return l
}

// UpdateFields applies fn to the stored record (a fresh one if absent) and
// writes it back with compare-and-swap, retrying when another writer wins.
func (r *Registry) UpdateFields(ctx context.Context, objectType models.ObjectType, fn func(*models.DataSource) error) (*models.DataSource, error) {
	if objectType == "" {
		return nil, errs.Validation("object_type is required")
	}
	l := r.lockFor(objectType)
	l.Lock()
	defer l.Unlock()
	return r.updateLocked(ctx, objectType, fn)
}

func (r *Registry) updateLocked(ctx context.Context, objectType models.ObjectType, fn func(*models.DataSource) error) (*models.DataSource, error) {
	for attempt := 1; ; attempt++ {
		stored, err := r.store.GetDataSource(ctx, objectType)
		if err != nil {
			return nil, fmt.Errorf("update data source: %w", err)
		}
		var ds models.DataSource
		var expected int64
		if stored != nil {
			ds = stored.Clone()
			expected = stored.Version
		} else {
			ds = models.DataSource{ObjectType: objectType, MatchingEngineIndexID: map[models.Source]string{}}
		}
		if err := fn(&ds); err != nil {
			return nil, err
		}
		ds.ObjectType = objectType
		ds.Sources = dedupSources(ds.Sources)

		saved, err := r.store.SaveDataSource(ctx, ds, expected)
		if errors.Is(err, db.ErrConcurrentUpdate) && attempt < maxWriteAttempts {
			r.logger.Debug("data source write lost race, retrying", "object_type", objectType, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update data source %s: %w", objectType, err)
		}
		r.replace(*saved, false)
		out := saved.Clone()
		return &out, nil
	}
}

// AddSources registers sources for objectType, creating the record if needed.
func (r *Registry) AddSources(ctx context.Context, objectType models.ObjectType, sources ...models.Source) (*models.DataSource, error) {
	return r.UpdateFields(ctx, objectType, func(ds *models.DataSource) error {
		for _, s := range sources {
			if strings.TrimSpace(string(s)) == "" {
				return errs.Validation("source name must not be empty")
			}
		}
		ds.Sources = append(ds.Sources, sources...)
		return nil
	})
}

// SetIndexID records the index backing (objectType, source) and registers the source.
func (r *Registry) SetIndexID(ctx context.Context, objectType models.ObjectType, source models.Source, indexID string) error {
	_, err := r.UpdateFields(ctx, objectType, func(ds *models.DataSource) error {
		if ds.MatchingEngineIndexID == nil {
			ds.MatchingEngineIndexID = map[models.Source]string{}
		}
		ds.MatchingEngineIndexID[source] = indexID
		ds.Sources = append(ds.Sources, source)
		return nil
	})
	return err
}

// Delete unregisters source from objectType along with its index id.
// The record itself is removed once it has no sources left.
func (r *Registry) Delete(ctx context.Context, objectType models.ObjectType, source models.Source) error {
	l := r.lockFor(objectType)
	l.Lock()
	defer l.Unlock()

	ds, err := r.updateLocked(ctx, objectType, func(ds *models.DataSource) error {
		if ds.Version == 0 || !ds.HasSource(source) {
			return errs.NotFound("Source %q is not registered for %s", source, objectType.Label())
		}
		ds.Sources = slices.DeleteFunc(ds.Sources, func(s models.Source) bool { return s == source })
		delete(ds.MatchingEngineIndexID, source)
		return nil
	})
	if err != nil {
		return err
	}
	if len(ds.Sources) > 0 {
		return nil
	}
	if _, err := r.store.DeleteDataSource(ctx, objectType); err != nil {
		return fmt.Errorf("delete data source %s: %w", objectType, err)
	}
	r.replace(models.DataSource{ObjectType: objectType}, true)
	return nil
}

// seedFile is the layout of the YAML seed.
type seedFile struct {
	DataSources []models.DataSource `yaml:"data_sources"`
}

// SeedFromFile merges the records of a YAML seed into the store. Sources are
// unioned; index ids already stored are kept.
func (r *Registry) SeedFromFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for _, entry := range seed.DataSources {
		if entry.ObjectType == "" {
			return fmt.Errorf("parse seed file %s: entry without object_type", path)
		}
		_, err := r.UpdateFields(ctx, entry.ObjectType, func(ds *models.DataSource) error {
			ds.Sources = append(ds.Sources, entry.Sources...)
			if ds.MatchingEngineIndexID == nil {
				ds.MatchingEngineIndexID = map[models.Source]string{}
			}
			for src, id := range entry.MatchingEngineIndexID {
				if _, ok := ds.MatchingEngineIndexID[src]; !ok {
					ds.MatchingEngineIndexID[src] = id
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", entry.ObjectType, err)
		}
	}
	r.logger.Info("data sources seeded", "file", path, "records", len(seed.DataSources))
	return nil
}

func dedupSources(in []models.Source) []models.Source {
	out := make([]models.Source, 0, len(in))
	seen := make(map[models.Source]bool, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func joinSources(sources []models.Source) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = string(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func joinTypes(m map[models.ObjectType]models.DataSource) string {
	keys := slices.Sorted(maps.Keys(m))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
