package extract

import (
	"strings"

	"sceneetl/pkg/records"
)

var newlineStripper = strings.NewReplacer("\n", "", "\r", "")

// CleanValue removes embedded line breaks, which the render tools insert
// when wrapping long attribute values.
func CleanValue(v string) string {
	if strings.IndexAny(v, "\r\n") < 0 {
		return v
	}
	return newlineStripper.Replace(v)
}

// SplitList parses a comma separated attribute into its tokens.
//
// Tokens are trimmed, empty tokens are dropped, order and duplicates are kept.
// A value with no non-empty token yields an empty, non-nil slice.
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// attrRecord copies a node's attributes into a fresh record, cleaning values
// and splitting list fields. Missing attributes stay absent.
func attrRecord(n Node, listFields map[string]struct{}) records.Record {
	attrs := n.Attrs()
	out := make(records.Record, len(attrs)+3)
	for k, v := range attrs {
		v = CleanValue(v)
		if _, ok := listFields[k]; ok {
			out[k] = SplitList(v)
			continue
		}
		out[k] = v
	}
	return out
}
