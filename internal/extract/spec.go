package extract

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadHierarchy is returned for hierarchy specs the extractor cannot walk.
var ErrBadHierarchy = errors.New("extract: invalid hierarchy spec")

// Level is one tier of a hierarchy family, e.g. "BasePass".
type Level struct {
	// Tag is the element name matched at this tier.
	Tag string `json:"tag" yaml:"tag"`

	// Table is the output collection name. Defaults to Tag.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`

	// ParentColumn names the column that carries the parent's id when the
	// record is flattened into a row. Defaults to "<parent tag>_id" in lower
	// case; ignored on the top tier.
	ParentColumn string `json:"parent_column,omitempty" yaml:"parent_column,omitempty"`
}

// HierarchySpec enumerates the tiers to descend through, parent first.
type HierarchySpec struct {
	Levels []Level `json:"levels" yaml:"levels"`

	// ListFields are attributes holding comma separated multi-value lists.
	// They are split into ordered []string values on every tier.
	ListFields []string `json:"list_fields,omitempty" yaml:"list_fields,omitempty"`
}

// Validate checks the spec shape: 2 to 4 tiers, non-empty distinct tags.
func (s HierarchySpec) Validate() error {
	if n := len(s.Levels); n < 2 || n > 4 {
		return fmt.Errorf("%w: want 2..4 levels, got %d", ErrBadHierarchy, n)
	}
	seen := make(map[string]struct{}, len(s.Levels))
	for i, l := range s.Levels {
		tag := strings.TrimSpace(l.Tag)
		if tag == "" {
			return fmt.Errorf("%w: level %d has empty tag", ErrBadHierarchy, i)
		}
		if _, dup := seen[tag]; dup {
			return fmt.Errorf("%w: tag %q appears twice", ErrBadHierarchy, tag)
		}
		seen[tag] = struct{}{}
	}
	return nil
}

// TableFor returns the output collection name for level i.
func (s HierarchySpec) TableFor(i int) string {
	if t := strings.TrimSpace(s.Levels[i].Table); t != "" {
		return t
	}
	return s.Levels[i].Tag
}

// ParentColumnFor returns the parent reference column for level i, or "" for
// the top tier.
func (s HierarchySpec) ParentColumnFor(i int) string {
	if i == 0 {
		return ""
	}
	if c := strings.TrimSpace(s.Levels[i].ParentColumn); c != "" {
		return c
	}
	return strings.ToLower(s.Levels[i-1].Tag) + "_id"
}

// LevelOf returns the tier index of a record type, or -1.
func (s HierarchySpec) LevelOf(recordType string) int {
	for i, l := range s.Levels {
		if l.Tag == recordType {
			return i
		}
	}
	return -1
}
