// Package records defines the record shapes shared by the extractor, the
// normalizer and the storage backends.
package records

import "sort"

// Record is one row: attribute/column name -> value.
//
// Values are string, []string, int64, bool or nil. Backends rely on that
// closed set when inferring column types.
type Record map[string]any

// Clone returns a shallow copy of r. Slice values are copied so the clone can
// be rewritten without touching the original; an empty list stays an empty,
// non-nil list.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if s, ok := v.([]string); ok {
			cp := make([]string, len(s))
			copy(cp, s)
			v = cp
		}
		out[k] = v
	}
	return out
}

// Columns returns the union of keys across rows, in first-seen order.
//
// Keys of a single row are visited in sorted order so the result is stable
// even though map iteration is not.
func Columns(rows []Record) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rows {
		keys := make([]string, 0, len(r))
		for k := range r {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// FactRecord is one extracted node of a document hierarchy.
//
// ParentID is nil for roots and for orphaned nodes whose enclosing level is
// absent. Attrs holds the node attributes plus the working columns added by
// the extractor; the normalizer rewrites it in place.
type FactRecord struct {
	ID         string
	ParentID   *string
	RecordType string
	Attrs      Record
}

// Row flattens f into a persistable row: Attrs plus "id" and, when
// parentColumn is set, the parent reference under that name.
func (f *FactRecord) Row(parentColumn string) Record {
	out := make(Record, len(f.Attrs)+2)
	for k, v := range f.Attrs {
		out[k] = v
	}
	out["id"] = f.ID
	if parentColumn != "" {
		if f.ParentID != nil {
			out[parentColumn] = *f.ParentID
		} else {
			out[parentColumn] = nil
		}
	}
	return out
}
