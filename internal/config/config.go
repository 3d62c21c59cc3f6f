// Package config defines the pipeline configuration: which document families
// to import from where, how their shared fields are normalized, and which
// storage backend receives the result.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sceneetl/internal/extract"
	"sceneetl/internal/normalize"
	"sceneetl/internal/transformer/builtin"
)

// ErrNoFamilies is returned when a pipeline has nothing to import.
var ErrNoFamilies = errors.New("config: no document families configured")

// DefaultJob names the pipeline when the config does not.
const DefaultJob = "sceneetl"

// Pipeline is the root of a pipeline config file.
type Pipeline struct {
	Job      string         `json:"job" yaml:"job"`
	Storage  Storage        `json:"storage" yaml:"storage"`
	Families []FamilyConfig `json:"families" yaml:"families"`

	// RowHash, when set, adds a content hash to every hierarchy row.
	RowHash *builtin.Hash `json:"row_hash,omitempty" yaml:"row_hash,omitempty"`
}

// Storage selects the persistence backend.
type Storage struct {
	// Kind is a registered backend: "postgres", "sqlite" or "mssql".
	Kind string `json:"kind" yaml:"kind"`

	// DSN may reference environment variables as ${VAR}. An empty postgres
	// DSN is built from DB_HOST, DB_PORT, DB_NAME, DB_USER and DB_PWD.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// FamilyConfig binds a document family to its input directory and field
// rules.
type FamilyConfig struct {
	extract.Family `json:",inline" yaml:",inline"`

	// Dir holds the family's *.xml documents.
	Dir string `json:"dir" yaml:"dir"`

	// Fields are the shared fields interned across the hierarchy.
	Fields []normalize.FieldRule `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Housekeeping defaults to normalize.DefaultHousekeeping when nil.
	Housekeeping *normalize.Housekeeping `json:"housekeeping,omitempty" yaml:"housekeeping,omitempty"`
}

// FieldNames returns the declared shared field names in order.
func (f FamilyConfig) FieldNames() []string {
	out := make([]string, 0, len(f.Fields))
	for _, r := range f.Fields {
		out = append(out, strings.TrimSpace(r.Name))
	}
	return out
}

// EffectiveHousekeeping returns the configured housekeeping or the default.
func (f FamilyConfig) EffectiveHousekeeping() normalize.Housekeeping {
	if f.Housekeeping != nil {
		return *f.Housekeeping
	}
	return normalize.DefaultHousekeeping()
}

// JobName returns Job or DefaultJob.
func (p Pipeline) JobName() string {
	if j := strings.TrimSpace(p.Job); j != "" {
		return j
	}
	return DefaultJob
}

// Load reads a pipeline file. Files ending in .yaml or .yml are decoded as
// YAML, everything else as JSON.
func Load(path string) (Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	return Decode(raw, filepath.Ext(path))
}

// Decode parses raw config bytes; ext selects the format as in Load.
func Decode(raw []byte, ext string) (Pipeline, error) {
	var p Pipeline
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Pipeline{}, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &p); err != nil {
			return Pipeline{}, fmt.Errorf("parse config: %w", err)
		}
	}
	return p, nil
}

// Default reproduces the importer's built-in families: editor documents from
// EDITORS and state documents from STATES, written to Postgres.
//
// The state family is listed first so state rows exist before editor fields
// resolve their state references.
func Default() Pipeline {
	return Pipeline{
		Job:     DefaultJob,
		Storage: Storage{Kind: "postgres"},
		Families: []FamilyConfig{
			{
				Family: extract.Family{
					Name:      "state",
					Type:      "State",
					FlatTags:  []string{"ProjectSettings"},
					TypedTags: []string{"ProjectSettings"},
					Hierarchy: extract.HierarchySpec{Levels: []extract.Level{
						{Tag: "StatesSettings", Table: "statesettings"},
						{Tag: "State", Table: "states", ParentColumn: "states_settings_id"},
						{Tag: "Zone", Table: "zones", ParentColumn: "state_id"},
					}},
				},
				Dir:          "STATES",
				Housekeeping: &normalize.Housekeeping{DropColumns: []string{extract.SortOrderColumn}},
			},
			{
				Family: extract.Family{
					Name:      "editor",
					Type:      "Editor",
					FlatTags:  []string{"ProjectSettings", "ChaosCloudSettings", "DeadlineSettings", "OutputSettings", "JARVISSettings"},
					TypedTags: []string{"ProjectSettings"},
					Hierarchy: extract.HierarchySpec{
						Levels: []extract.Level{
							{Tag: "linkingrecord", Table: "linkingrecords"},
							{Tag: "BasePass", Table: "basepasses", ParentColumn: "linkingrecord_id"},
							{Tag: "OptionPass", Table: "optionpasses", ParentColumn: "basepass_id"},
						},
						ListFields: []string{"Layers", "Zones", "FeatureCodes", "IncludeOptions", "ExcludeOptions"},
					},
				},
				Dir: "EDITORS",
				Fields: []normalize.FieldRule{
					{Name: "Camera", Role: normalize.RolePlain},
					{Name: "Lighting", Role: normalize.RoleLayer},
					{Name: "Zones", Role: normalize.RoleLayer, Table: "zone_sets", RelatedTable: "zones", RefColumn: "zone_id"},
					{Name: "Layers", Role: normalize.RoleLayer},
					{Name: "FeatureCodes", Role: normalize.RoleFeatureCode, FeedSource: "xml_import"},
					{Name: "MaxScenes", Role: normalize.RoleSceneCount},
					{Name: "IncludeOptions", Role: normalize.RoleIncludeOption},
					{Name: "ExcludeOptions", Role: normalize.RoleExcludeOption},
				},
			},
		},
	}
}
