package models

// PersistMode selects how new suggestions combine with existing ones.
type PersistMode string

const (
	ModeReplace PersistMode = "replace"
	ModeMerge   PersistMode = "merge"
)

// AlignByIDsRequest aligns stored entities selected by id or by source name.
type AlignByIDsRequest struct {
	IDs           []string   `json:"ids,omitempty"`
	SourceNames   []Source   `json:"source_name,omitempty"`
	ObjectType    ObjectType `json:"object_type,omitempty"`
	TargetSources []Source   `json:"skill_alignment_sources"`
	TopK          int        `json:"top_k"`
}

// AlignByQueryRequest aligns free text. It never persists.
type AlignByQueryRequest struct {
	Name          string     `json:"name,omitempty"`
	Description   string     `json:"description,omitempty"`
	ObjectType    ObjectType `json:"object_type,omitempty"`
	TargetSources []Source   `json:"skill_alignment_sources"`
	TopK          int        `json:"top_k"`
}

// DefaultTopK applies when a request leaves top_k unset.
const DefaultTopK = 10

// BatchAlignRequest is the payload of an asynchronous alignment job.
type BatchAlignRequest struct {
	IDs              []string    `json:"ids,omitempty"`
	SourceName       Source      `json:"source_name,omitempty"`
	ObjectType       ObjectType  `json:"object_type,omitempty"`
	TargetSources    []Source    `json:"skill_alignment_sources"`
	TopK             int         `json:"top_k"`
	UpdateAlignments bool        `json:"update_alignments"`
	Mode             PersistMode `json:"mode,omitempty"`
	Dimension        Dimension   `json:"dimension,omitempty"`
}

// Defaults fills optional fields. The job signature is computed after it
// runs, so every field with a default must be filled here.
func (r *BatchAlignRequest) Defaults() {
	if r.TopK == 0 {
		r.TopK = DefaultTopK
	}
	if r.ObjectType == "" {
		r.ObjectType = ObjectTypeSkill
	}
	if r.Mode == "" {
		r.Mode = ModeReplace
	}
	if r.Dimension == "" {
		r.Dimension = DimensionSkill
	}
}

// AlignmentResult is the engine output for one query.
type AlignmentResult struct {
	QueryID    string           `json:"query_id,omitempty"`
	QueryText  string           `json:"query_text"`
	Candidates []AlignmentEntry `json:"candidates"`
}
