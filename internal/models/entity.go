package models

import (
	"cmp"
	"slices"
	"time"
)

// AlignmentEntry is one scored edge to a target entity.
type AlignmentEntry struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// AlignedSuggested holds curated (aligned) and machine-generated (suggested) edges for one source.
type AlignedSuggested struct {
	Aligned   []AlignmentEntry `json:"aligned"`
	Suggested []AlignmentEntry `json:"suggested"`
}

// AlignmentMap is dimension -> source -> AlignedSuggested.
type AlignmentMap map[Dimension]map[Source]AlignedSuggested

// Entity is anything that can be aligned: a skill, a role, a learning unit.
type Entity struct {
	ID               string       `json:"id"`
	ObjectType       ObjectType   `json:"object_type"`
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	SourceName       Source       `json:"source_name,omitempty"`
	Alignments       AlignmentMap `json:"alignments,omitempty"`
	CreatedTime      time.Time    `json:"created_time"`
	LastModifiedTime time.Time    `json:"last_modified_time"`
}

// SortEntries orders entries by descending score. Ties keep id order so output is stable.
func SortEntries(entries []AlignmentEntry) {
	slices.SortStableFunc(entries, func(a, b AlignmentEntry) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Get returns the record for (dimension, source); the zero value when absent.
func (m AlignmentMap) Get(dim Dimension, source Source) AlignedSuggested {
	if m == nil {
		return AlignedSuggested{}
	}
	return m[dim][source]
}

// Set stores rec under (dimension, source) with both lists sorted.
// The receiver must be non-nil; use Entity.SetAlignment when it may be nil.
func (m AlignmentMap) Set(dim Dimension, source Source, rec AlignedSuggested) {
	SortEntries(rec.Aligned)
	SortEntries(rec.Suggested)
	if m[dim] == nil {
		m[dim] = make(map[Source]AlignedSuggested)
	}
	m[dim][source] = rec
}

// SetAlignment stores rec on the entity, allocating the map if needed.
func (e *Entity) SetAlignment(dim Dimension, source Source, rec AlignedSuggested) {
	if e.Alignments == nil {
		e.Alignments = make(AlignmentMap)
	}
	e.Alignments.Set(dim, source, rec)
}

// Clone returns a deep copy so callers can mutate alignments without aliasing store state.
func (e Entity) Clone() Entity {
	out := e
	if e.Alignments == nil {
		return out
	}
	out.Alignments = make(AlignmentMap, len(e.Alignments))
	for dim, bySource := range e.Alignments {
		cp := make(map[Source]AlignedSuggested, len(bySource))
		for src, rec := range bySource {
			cp[src] = AlignedSuggested{
				Aligned:   slices.Clone(rec.Aligned),
				Suggested: slices.Clone(rec.Suggested),
			}
		}
		out.Alignments[dim] = cp
	}
	return out
}
