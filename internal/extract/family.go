package extract

import (
	"fmt"
	"strings"

	"sceneetl/pkg/records"
)

// TypeColumn is the discriminator added to typed flat sections.
const TypeColumn = "type"

// Family describes one kind of input document: the container sections it
// carries as flat records plus its hierarchy.
type Family struct {
	// Name identifies the family in logs and config, e.g. "editor".
	Name string `json:"name" yaml:"name"`

	// Type is written to the type column of every TypedTags record,
	// e.g. "Editor".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// FlatTags are sections extracted as parentless records, one table per
	// tag.
	FlatTags []string `json:"flat_tags,omitempty" yaml:"flat_tags,omitempty"`

	// TypedTags is the subset of FlatTags that receives the discriminator.
	TypedTags []string `json:"typed_tags,omitempty" yaml:"typed_tags,omitempty"`

	Hierarchy HierarchySpec `json:"hierarchy" yaml:"hierarchy"`
}

// Validate checks the hierarchy and that flat tags neither repeat nor clash
// with hierarchy tags.
func (f Family) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: family has no name", ErrBadHierarchy)
	}
	if err := f.Hierarchy.Validate(); err != nil {
		return fmt.Errorf("family %s: %w", f.Name, err)
	}
	seen := make(map[string]struct{}, len(f.FlatTags))
	for _, tag := range f.FlatTags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: family %s has an empty flat tag", ErrBadHierarchy, f.Name)
		}
		if _, dup := seen[tag]; dup {
			return fmt.Errorf("%w: family %s lists flat tag %q twice", ErrBadHierarchy, f.Name, tag)
		}
		if f.Hierarchy.LevelOf(tag) >= 0 {
			return fmt.Errorf("%w: family %s uses %q as flat and hierarchy tag", ErrBadHierarchy, f.Name, tag)
		}
		seen[tag] = struct{}{}
	}
	for _, tag := range f.TypedTags {
		if _, ok := seen[tag]; !ok {
			return fmt.Errorf("%w: family %s types %q which is not a flat tag", ErrBadHierarchy, f.Name, tag)
		}
	}
	return nil
}

// Route says where the records of one record type are persisted.
type Route struct {
	Table string
	// ParentColumn is empty for flat sections and the top tier.
	ParentColumn string
	// Level is the hierarchy tier, or -1 for flat sections.
	Level int
}

// Result is the extraction of one document.
type Result struct {
	// Collections is keyed by record type.
	Collections map[string][]*records.FactRecord
	// Hierarchy lists hierarchy record types in tier order.
	Hierarchy []string
	// Flat lists flat record types in FlatTags order.
	Flat   []string
	Routes map[string]Route
}

// HierarchyFacts returns the hierarchy records of every tier, parents first.
func (r *Result) HierarchyFacts() []*records.FactRecord {
	var out []*records.FactRecord
	for _, rt := range r.Hierarchy {
		out = append(out, r.Collections[rt]...)
	}
	return out
}

// Rows flattens the records of a record type using its route.
func (r *Result) Rows(recordType string) []records.Record {
	col := r.Collections[recordType]
	if len(col) == 0 {
		return nil
	}
	parentColumn := r.Routes[recordType].ParentColumn
	out := make([]records.Record, len(col))
	for i, f := range col {
		out[i] = f.Row(parentColumn)
	}
	return out
}

// Document extracts the flat sections and the hierarchy of f from root into
// c and returns them with their table routing.
//
// Flat sections are extracted first, in FlatTags order. Every record type of
// the family is routed even when the document has no node of that type.
func Document(c *Context, root Node, f Family) (*Result, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	typed := make(map[string]struct{}, len(f.TypedTags))
	for _, t := range f.TypedTags {
		typed[t] = struct{}{}
	}

	res := &Result{Routes: make(map[string]Route, len(f.FlatTags)+len(f.Hierarchy.Levels))}
	for _, tag := range f.FlatTags {
		var extra records.Record
		if _, ok := typed[tag]; ok && f.Type != "" {
			extra = records.Record{TypeColumn: f.Type}
		}
		ExtractFlat(c, root, tag, extra)
		res.Flat = append(res.Flat, tag)
		res.Routes[tag] = Route{Table: tag, Level: -1}
	}

	if err := ExtractInto(c, root, f.Hierarchy); err != nil {
		return nil, err
	}
	for i, l := range f.Hierarchy.Levels {
		res.Hierarchy = append(res.Hierarchy, l.Tag)
		res.Routes[l.Tag] = Route{
			Table:        f.Hierarchy.TableFor(i),
			ParentColumn: f.Hierarchy.ParentColumnFor(i),
			Level:        i,
		}
	}

	res.Collections = make(map[string][]*records.FactRecord, len(res.Routes))
	for rt := range res.Routes {
		res.Collections[rt] = c.Collection(rt)
	}
	return res, nil
}
