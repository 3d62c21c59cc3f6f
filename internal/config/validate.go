package config

import (
	"fmt"
	"strings"

	"sceneetl/internal/normalize"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path points into the config, e.g.
// "families[1].fields[0]".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// knownStorageKinds mirrors the backends linked by storage/all.
var knownStorageKinds = map[string]struct{}{
	"postgres": {},
	"sqlite":   {},
	"mssql":    {},
}

// ValidatePipeline reports every problem in p instead of stopping at the
// first one. A pipeline is runnable when no issue has SeverityError.
//
// Checks:
//   - storage kind is a known backend;
//   - at least one family, with unique names, a directory, a valid
//     hierarchy and valid field rules;
//   - no table is written by two different roles (a dimension table
//     shadowing a hierarchy table, say);
//   - a row hash has a target field.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, a ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	kind := strings.ToLower(strings.TrimSpace(p.Storage.Kind))
	if kind == "" {
		add(SeverityError, "storage.kind", "must be set")
	} else if _, ok := knownStorageKinds[kind]; !ok {
		add(SeverityError, "storage.kind", "unknown backend %q (postgres|sqlite|mssql)", p.Storage.Kind)
	}
	if strings.TrimSpace(p.Storage.DSN) == "" && kind != "" && kind != "postgres" {
		add(SeverityError, "storage.dsn", "must be set for %s", kind)
	}

	if len(p.Families) == 0 {
		add(SeverityError, "families", "%v", ErrNoFamilies)
	}

	names := map[string]int{}
	// table -> what writes it: "flat", "hierarchy" or "dimension"
	tables := map[string]string{}
	claim := func(path, table, role string) {
		prev, ok := tables[table]
		if !ok {
			tables[table] = role
			return
		}
		// Flat sections and dimensions may be shared; hierarchy tables may not.
		if prev != role || role == "hierarchy" {
			add(SeverityError, path, "table %q is also written as a %s table", table, prev)
		}
	}

	for i, f := range p.Families {
		base := fmt.Sprintf("families[%d]", i)
		if j, dup := names[f.Name]; dup {
			add(SeverityError, base+".name", "duplicates families[%d]", j)
		}
		names[f.Name] = i

		if strings.TrimSpace(f.Dir) == "" {
			add(SeverityError, base+".dir", "must be set")
		}
		if err := f.Family.Validate(); err != nil {
			add(SeverityError, base, "%v", err)
			continue
		}

		for _, tag := range f.FlatTags {
			claim(base+".flat_tags", tag, "flat")
		}
		for l := range f.Hierarchy.Levels {
			claim(fmt.Sprintf("%s.hierarchy.levels[%d]", base, l), f.Hierarchy.TableFor(l), "hierarchy")
		}

		rules, err := normalize.PrepareRules(f.Fields)
		if err != nil {
			add(SeverityError, base+".fields", "%v", err)
			continue
		}
		for j, r := range rules {
			claim(fmt.Sprintf("%s.fields[%d]", base, j), r.Table, "dimension")
		}
		if len(rules) == 0 {
			add(SeverityWarning, base+".fields", "no shared fields; hierarchy rows are stored without normalization")
		}
	}

	if p.RowHash != nil && strings.TrimSpace(p.RowHash.TargetField) == "" {
		add(SeverityError, "row_hash.target_field", "must be set when row_hash is configured")
	}
	return issues
}

// HasErrors reports whether issues contains a SeverityError.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
