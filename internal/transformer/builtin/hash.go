// Package builtin contains small, reusable row transformers.
package builtin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sceneetl/pkg/records"
)

// Hash computes a deterministic SHA-256 hash from selected fields and writes it
// into a target field on each row.
//
// Fact rows are appended on every import, so the same document imported twice
// produces two rows with different surrogate ids. A content hash that leaves
// those ids out lets operators find re-imported rows without changing the
// append semantics.
//
// Config shape (pipeline file):
//
//	{
//	  "row_hash": {
//	    "target_field": "row_hash",
//	    "exclude": ["id", "linkingrecord_id", "basepass_id"],
//	    "trim_space": true
//	  }
//	}
//
// Canonicalization rules:
//   - With Fields set, fields are hashed in the given order; otherwise every
//     column of the row except Exclude and TargetField, in sorted order.
//   - Field names are always part of the canonical form.
//   - Missing or nil values are encoded as a single NUL byte so missing
//     differs from empty-string.
//   - []string tokens are joined with the record separator (0x1e), keeping
//     order and duplicates.
//   - Output is a lowercase hex string (length 64).
type Hash struct {
	// Fields is the ordered list of input fields. Empty means all columns.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Exclude lists columns skipped when Fields is empty.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// TargetField is where the computed hash is stored.
	TargetField string `json:"target_field" yaml:"target_field"`

	// Separator used between field components. Defaults to ASCII Unit
	// Separator (0x1f).
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`

	// TrimSpace trims string values and list tokens before hashing.
	TrimSpace bool `json:"trim_space,omitempty" yaml:"trim_space,omitempty"`
}

// Apply computes hashes and mutates rows in place. An existing TargetField is
// overwritten.
func (h Hash) Apply(in []records.Record) []records.Record {
	if len(in) == 0 || h.TargetField == "" {
		return in
	}

	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	skip := make(map[string]struct{}, len(h.Exclude)+1)
	for _, c := range h.Exclude {
		skip[c] = struct{}{}
	}
	skip[h.TargetField] = struct{}{}

	for _, r := range in {
		if r == nil {
			continue
		}
		fields := h.Fields
		if len(fields) == 0 {
			fields = columnsOf(r, skip)
		}
		sum := hashRecord(r, fields, sep, h.TrimSpace)
		r[h.TargetField] = hex.EncodeToString(sum[:])
	}
	return in
}

func columnsOf(r records.Record, skip map[string]struct{}) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		if _, ok := skip[k]; ok {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func hashRecord(r records.Record, fields []string, sep string, trimSpace bool) [sha256.Size]byte {
	var b strings.Builder
	b.Grow(len(fields) * 24)

	for i, f := range fields {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(f)
		b.WriteByte('=')

		v, ok := r[f]
		if !ok || v == nil {
			b.WriteByte('\x00')
			continue
		}
		appendCanonicalValue(&b, v, trimSpace)
	}

	return sha256.Sum256([]byte(b.String()))
}

// appendCanonicalValue appends a stable representation of v, avoiding
// fmt.Sprint for the value types rows actually carry.
func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case string:
		b.WriteString(clean(t, trimSpace))
	case []string:
		b.WriteByte('[')
		for i, tok := range t {
			if i > 0 {
				b.WriteByte('\x1e')
			}
			b.WriteString(clean(tok, trimSpace))
		}
		b.WriteByte(']')
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	default:
		b.WriteString(fmt.Sprint(t))
	}
}

func clean(s string, trimSpace bool) string {
	if trimSpace && HasEdgeSpace(s) {
		return strings.TrimSpace(s)
	}
	return s
}

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
