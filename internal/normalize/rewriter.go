package normalize

import (
	"sceneetl/pkg/records"
)

// Housekeeping is the fixed post-processing applied after rewriting.
type Housekeeping struct {
	// DropColumns are working columns removed from every record.
	DropColumns []string `json:"drop_columns,omitempty" yaml:"drop_columns,omitempty"`
	// SelectionColumns are appended to every record with a nil value.
	SelectionColumns []string `json:"selection_columns,omitempty" yaml:"selection_columns,omitempty"`
}

// DefaultHousekeeping drops sort_order and adds the current state and zone
// selection columns.
func DefaultHousekeeping() Housekeeping {
	return Housekeeping{
		DropColumns:      []string{"sort_order"},
		SelectionColumns: []string{"current_state_id", "current_zone_id"},
	}
}

// Rewrite replaces every declared field on facts with a "<field>_id" column
// and applies hk. facts are modified in place and returned.
//
// Values map as follows:
//   - a scalar becomes its id; an unresolved scalar is kept as is;
//   - a list becomes the ids of its tokens, in order and with duplicates;
//     when some token is unknown but the whole list was interned as one
//     value, it becomes a one-element list holding that entry's id;
//     otherwise unresolved tokens are kept as is;
//   - a missing, nil or empty value becomes an empty list.
//
// The rewrite is total: a declared field that no record carries still
// produces the column, holding empty lists.
func Rewrite(facts []*records.FactRecord, maps map[string]ValueIdentityMap, fields []string, hk Housekeeping) []*records.FactRecord {
	for _, f := range facts {
		if f.Attrs == nil {
			f.Attrs = make(records.Record)
		}
		for _, field := range fields {
			v, ok := f.Attrs[field]
			delete(f.Attrs, field)
			if !ok {
				f.Attrs[field+"_id"] = []string{}
				continue
			}
			f.Attrs[field+"_id"] = rewriteValue(v, maps[field])
		}
		for _, c := range hk.DropColumns {
			delete(f.Attrs, c)
		}
		for _, c := range hk.SelectionColumns {
			if _, ok := f.Attrs[c]; !ok {
				f.Attrs[c] = nil
			}
		}
	}
	return facts
}

func rewriteValue(v any, m ValueIdentityMap) any {
	switch x := v.(type) {
	case nil:
		return []string{}
	case []string:
		return rewriteList(x, m)
	default:
		key, ok := Canonical(x)
		if !ok {
			return []string{}
		}
		if id, ok := m[key]; ok {
			return id
		}
		return v
	}
}

func rewriteList(tokens []string, m ValueIdentityMap) []string {
	if len(tokens) == 0 {
		return []string{}
	}
	out := make([]string, len(tokens))
	resolved := true
	for i, t := range tokens {
		key, _ := Canonical(t)
		if id, ok := m[key]; ok {
			out[i] = id
			continue
		}
		out[i] = t
		resolved = false
	}
	if resolved {
		return out
	}
	if key, ok := Canonical(tokens); ok {
		if id, ok := m[key]; ok {
			return []string{id}
		}
	}
	return out
}
