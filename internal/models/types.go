// Package models defines data structures for the alignment service.
package models

import (
	"strings"
	"unicode"
)

// ObjectType names a family of alignable entities (skill, role, competency, ...).
type ObjectType string

// Source names a corpus of entities within an object type (emsi, osn, snhu, ...).
type Source string

// Well-known object types. The registry is authoritative; these exist for defaults and labels.
const (
	ObjectTypeSkill        ObjectType = "skill"
	ObjectTypeRole         ObjectType = "role"
	ObjectTypeCompetency   ObjectType = "competency"
	ObjectTypeLearningUnit ObjectType = "learning_unit"
)

// Dimension is the top-level key of an AlignmentMap.
type Dimension string

const (
	DimensionSkill     Dimension = "skill_alignment"
	DimensionKnowledge Dimension = "knowledge_alignment"
	DimensionRole      Dimension = "role_alignment"
)

// Valid reports whether d is a known alignment dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionSkill, DimensionKnowledge, DimensionRole:
		return true
	}
	return false
}

// TargetObjectType is the object type whose corpus backs alignments along d.
func (d Dimension) TargetObjectType() ObjectType {
	switch d {
	case DimensionRole:
		return ObjectTypeRole
	case DimensionKnowledge:
		return ObjectTypeCompetency
	default:
		return ObjectTypeSkill
	}
}

// Label returns the human-facing name used in messages, e.g. "learning_unit" -> "Learning Unit".
func (o ObjectType) Label() string {
	words := strings.FieldsFunc(string(o), func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// IndexDisplayName is the vector index name for an (object type, source) pair.
func IndexDisplayName(objectType ObjectType, source Source) string {
	return string(objectType) + "_" + string(source)
}
