package align

import (
	"strings"

	"github.com/raphaelgruber/skillalign/internal/errs"
)

// PrepareTextForEmbedding builds the text embedded for an entity or query.
// Whitespace-only fields count as empty.
func PrepareTextForEmbedding(name, description string) (string, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	switch {
	case name == "" && description == "":
		return "", errs.Validation("Either name or description must be provided.")
	case description == "":
		return name, nil
	case name == "":
		return description, nil
	default:
		return name + ". " + description, nil
	}
}
