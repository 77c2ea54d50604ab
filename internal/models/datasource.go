package models

import "slices"

// DataSource is the registry record for one object type.
type DataSource struct {
	ObjectType            ObjectType        `json:"object_type" yaml:"object_type"`
	Sources               []Source          `json:"sources" yaml:"sources"`
	MatchingEngineIndexID map[Source]string `json:"matching_engine_index_id" yaml:"matching_engine_index_id"`
	Version               int64             `json:"version" yaml:"-"`
}

// HasSource reports whether s is registered.
func (d DataSource) HasSource(s Source) bool {
	return slices.Contains(d.Sources, s)
}

// Clone returns a deep copy.
func (d DataSource) Clone() DataSource {
	out := d
	out.Sources = slices.Clone(d.Sources)
	out.MatchingEngineIndexID = make(map[Source]string, len(d.MatchingEngineIndexID))
	for k, v := range d.MatchingEngineIndexID {
		out.MatchingEngineIndexID[k] = v
	}
	return out
}
