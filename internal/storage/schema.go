// Column shape helpers shared by every backend, so the multitable engine and
// the backend packages agree on how a row maps to a table without importing
// each other.
package storage

import (
	"encoding/json"
	"strconv"

	"sceneetl/pkg/records"
)

// ColumnKind is the storage-neutral type inferred for a column from the Go
// values written into it.
type ColumnKind int

const (
	// KindText is the fallback for strings and for columns that only ever
	// held nil.
	KindText ColumnKind = iota
	KindTextList
	KindInteger
	KindBoolean
	KindFloat
)

func (k ColumnKind) String() string {
	switch k {
	case KindTextList:
		return "text_list"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindFloat:
		return "float"
	default:
		return "text"
	}
}

// ColumnSpec is one inferred column.
type ColumnSpec struct {
	Name string
	Kind ColumnKind
}

// InferColumns derives the table shape for rows: the union of their keys (in
// records.Columns order) typed by the first non-nil value seen for each key.
//
// Edge cases:
//   - A column whose values are all nil is typed as text.
//   - A column holding a []string anywhere is a list column, even when other
//     rows carry a plain string there (a resolved scalar next to an empty
//     placeholder list).
//   - Other mixed types are not reconciled; the first non-nil value wins and
//     Coerce or the backend converts the rest.
func InferColumns(rows []records.Record) []ColumnSpec {
	names := records.Columns(rows)
	out := make([]ColumnSpec, 0, len(names))
	for _, name := range names {
		kind, seen := KindText, false
		for _, r := range rows {
			v, ok := r[name]
			if !ok || v == nil {
				continue
			}
			k := kindOf(v)
			if k == KindTextList {
				kind = k
				break
			}
			if !seen {
				kind, seen = k, true
			}
		}
		out = append(out, ColumnSpec{Name: name, Kind: kind})
	}
	return out
}

// Coerce converts positional values in place so each matches its column
// kind: strings in list columns become one-element lists, lists in text
// columns become JSON text and scalars in text columns are formatted.
// Values that cannot be converted are left for the driver to reject.
func Coerce(vals [][]any, cols []ColumnSpec) {
	for _, row := range vals {
		for j := range row {
			if j >= len(cols) || row[j] == nil {
				continue
			}
			row[j] = coerceValue(row[j], cols[j].Kind)
		}
	}
}

func coerceValue(v any, kind ColumnKind) any {
	switch kind {
	case KindTextList:
		if s, ok := v.(string); ok {
			return []string{s}
		}
	case KindText:
		switch x := v.(type) {
		case []string:
			return EncodeList(x)
		case int64:
			return strconv.FormatInt(x, 10)
		case int:
			return strconv.Itoa(x)
		case bool:
			return strconv.FormatBool(x)
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	return v
}

func kindOf(v any) ColumnKind {
	switch v.(type) {
	case []string:
		return KindTextList
	case int, int32, int64:
		return KindInteger
	case bool:
		return KindBoolean
	case float32, float64:
		return KindFloat
	default:
		return KindText
	}
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []ColumnSpec) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Reindex projects rows onto columns, the way a dataframe reindex would:
// values for unknown keys are dropped, missing keys become nil.
//
// It returns the positional rows plus the keys, in first-seen order,
// that were dropped so callers can log schema drift.
func Reindex(rows []records.Record, columns []string) ([][]any, []string) {
	known := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		known[c] = struct{}{}
	}

	var dropped []string
	for _, c := range records.Columns(rows) {
		if _, ok := known[c]; !ok {
			dropped = append(dropped, c)
		}
	}

	out := make([][]any, len(rows))
	for i, r := range rows {
		vals := make([]any, len(columns))
		for j, c := range columns {
			vals[j] = r[c]
		}
		out[i] = vals
	}
	return out, dropped
}

// EncodeList renders a list value as JSON text for backends without a native
// array type. nil stays nil.
func EncodeList(v []string) any {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// EncodeListValues rewrites every []string in vals with EncodeList.
func EncodeListValues(vals [][]any) {
	for _, row := range vals {
		for j, v := range row {
			if s, ok := v.([]string); ok {
				row[j] = EncodeList(s)
			}
		}
	}
}
