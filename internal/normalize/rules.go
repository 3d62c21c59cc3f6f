// Package normalize turns shared attribute values into references to
// deduplicated dimension entries.
//
// Interning runs once per document over every normalized collection: it
// computes the distinct values of each shared field, asks the storage gateway
// which ones are already known (one batched call per field) and mints ids for
// the rest. Rewrite then replaces each raw value with its id under a
// "<field>_id" column.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Role selects how dimension entries for a field are shaped.
type Role string

const (
	// RolePlain entries carry the value and a version.
	RolePlain Role = "plain"
	// RoleFeatureCode entries also carry a constant feed_source_id.
	RoleFeatureCode Role = "feature_code"
	// RoleLayer entries also carry a reference to a related state, resolved by
	// a batched secondary lookup on the raw value. Used for lighting, zone and
	// layer fields.
	RoleLayer Role = "layer"
	// RoleSceneCount entries fall back to a single DefaultMaxScenes sentinel
	// when no record of the document carries the field.
	RoleSceneCount Role = "scene_count"
	// RoleIncludeOption and RoleExcludeOption route into their own tables
	// under field-prefixed id columns.
	RoleIncludeOption Role = "include_option"
	RoleExcludeOption Role = "exclude_option"
)

// SentinelMaxScenes is the value synthesized for an empty scene-count field.
const SentinelMaxScenes = "DefaultMaxScenes"

// Columns of a minted dimension entry besides the id column.
const (
	VersionColumn    = "version"
	FeedSourceColumn = "feed_source_id"
)

// ErrBadRule is returned by FieldRule.Validate.
var ErrBadRule = errors.New("normalize: invalid field rule")

// FieldRule declares one shared field and where its dimension lives.
//
// Only Name is required; WithDefaults fills the rest from the role.
type FieldRule struct {
	Name string `json:"name" yaml:"name"`
	Role Role   `json:"role,omitempty" yaml:"role,omitempty"`

	// Table is the dimension table. Defaults to the lower-cased field name,
	// or include_options / exclude_options for the option roles.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`

	// ValueColumn holds the canonical value. Defaults to "value".
	ValueColumn string `json:"value_column,omitempty" yaml:"value_column,omitempty"`

	// IDColumn holds the entry id. Defaults to "<Name>_id", or
	// include_option_id / exclude_option_id for the option roles.
	IDColumn string `json:"id_column,omitempty" yaml:"id_column,omitempty"`

	// FeedSource is the constant feed_source_id of feature-code entries.
	FeedSource string `json:"feed_source,omitempty" yaml:"feed_source,omitempty"`

	// RelatedTable, RelatedKeyColumn and RelatedIDColumn describe the
	// secondary lookup of layer-role fields. Defaults: states, Name, id.
	RelatedTable     string `json:"related_table,omitempty" yaml:"related_table,omitempty"`
	RelatedKeyColumn string `json:"related_key_column,omitempty" yaml:"related_key_column,omitempty"`
	RelatedIDColumn  string `json:"related_id_column,omitempty" yaml:"related_id_column,omitempty"`

	// RefColumn receives the resolved related id on layer-role entries.
	// Defaults to "state_id".
	RefColumn string `json:"ref_column,omitempty" yaml:"ref_column,omitempty"`
}

// WithDefaults returns a copy of r with empty settings filled from its role.
func (r FieldRule) WithDefaults() FieldRule {
	r.Name = strings.TrimSpace(r.Name)
	if r.Role == "" {
		r.Role = RolePlain
	}
	if r.ValueColumn == "" {
		r.ValueColumn = "value"
	}
	switch r.Role {
	case RoleIncludeOption:
		if r.Table == "" {
			r.Table = "include_options"
		}
		if r.IDColumn == "" {
			r.IDColumn = "include_option_id"
		}
	case RoleExcludeOption:
		if r.Table == "" {
			r.Table = "exclude_options"
		}
		if r.IDColumn == "" {
			r.IDColumn = "exclude_option_id"
		}
	case RoleLayer:
		if r.RelatedTable == "" {
			r.RelatedTable = "states"
		}
		if r.RelatedKeyColumn == "" {
			r.RelatedKeyColumn = "Name"
		}
		if r.RelatedIDColumn == "" {
			r.RelatedIDColumn = "id"
		}
		if r.RefColumn == "" {
			r.RefColumn = "state_id"
		}
	}
	if r.Table == "" {
		r.Table = strings.ToLower(r.Name)
	}
	if r.IDColumn == "" {
		r.IDColumn = r.Name + "_id"
	}
	return r
}

// OutputColumn is the fact column that replaces the raw field.
func (r FieldRule) OutputColumn() string { return r.Name + "_id" }

// Validate checks a defaulted rule.
func (r FieldRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrBadRule)
	}
	switch r.Role {
	case RolePlain, RoleFeatureCode, RoleLayer, RoleSceneCount, RoleIncludeOption, RoleExcludeOption:
	default:
		return fmt.Errorf("%w: %s: unknown role %q", ErrBadRule, r.Name, r.Role)
	}
	if r.Role == RoleFeatureCode && r.FeedSource == "" {
		return fmt.Errorf("%w: %s: feature_code role needs feed_source", ErrBadRule, r.Name)
	}
	if r.IDColumn == r.ValueColumn {
		return fmt.Errorf("%w: %s: id and value column are both %q", ErrBadRule, r.Name, r.IDColumn)
	}
	return nil
}

// PrepareRules defaults and validates rules, rejecting duplicate names.
func PrepareRules(rules []FieldRule) ([]FieldRule, error) {
	out := make([]FieldRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		r = r.WithDefaults()
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("%w: field %q declared twice", ErrBadRule, r.Name)
		}
		seen[r.Name] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// Canonical returns the key a raw attribute value is interned under.
//
// Strings are trimmed and NFC-normalized. Lists are canonicalized per token
// and joined with ","; since tokens never contain commas, two lists share a
// key only when they hold the same tokens in the same order. ok is false for
// values that do not take part in interning: nil, empty strings and empty
// lists.
func Canonical(v any) (key string, ok bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s := canonicalToken(x)
		return s, s != ""
	case []string:
		if len(x) == 0 {
			return "", false
		}
		parts := make([]string, len(x))
		for i, t := range x {
			parts[i] = canonicalToken(t)
		}
		return strings.Join(parts, ","), true
	default:
		s := canonicalToken(fmt.Sprint(x))
		return s, s != ""
	}
}

func canonicalToken(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
