package normalize

import (
	"context"

	"github.com/google/uuid"

	"sceneetl/internal/metrics"
	"sceneetl/internal/storage"
	"sceneetl/pkg/records"
)

// ValueIdentityMap maps a canonical value to its dimension entry id. One map
// is built per field per run and never persisted directly.
type ValueIdentityMap map[string]string

// FieldStats summarizes interning of one field.
type FieldStats struct {
	Distinct int
	Known    int
	Minted   int
	// Fallback is set when the primary lookup failed and every distinct value
	// was minted afresh.
	Fallback bool
}

// Result is the outcome of one interning pass.
type Result struct {
	// Maps is keyed by field name.
	Maps map[string]ValueIdentityMap
	// Entries holds the newly minted dimension rows keyed by table. Values
	// already known to the gateway are never re-emitted.
	Entries map[string][]records.Record
	// Stats is keyed by field name.
	Stats map[string]FieldStats
}

// Minted returns the number of new entries across all tables.
func (r *Result) Minted() int {
	n := 0
	for _, rows := range r.Entries {
		n += len(rows)
	}
	return n
}

// Interner maps shared attribute values to dimension entry ids.
//
// An Interner holds no state between calls; every Intern call builds fresh
// identity maps. It is not safe to share one pass's Result across
// concurrent runs against the same store: two runs may mint different ids for
// the same value when neither has persisted yet.
type Interner struct {
	// Gateway answers the batched lookups. A nil Gateway knows nothing.
	Gateway storage.Gateway
	Logger  storage.Logger
	// NewID mints entry ids. Defaults to random UUIDs.
	NewID func() string
}

// Intern computes the identity map of every rule's field over facts and
// mints entries for values the gateway does not know.
//
// Per field:
//   - distinct values are collected over all facts in first-seen order;
//     nil, empty strings and empty lists are skipped, lists are distinct by
//     sequence;
//   - one LookupValues call resolves known values (skipped when there is
//     nothing to look up);
//   - layer-role fields resolve their related state with one LookupRelated
//     call over the values still missing;
//   - a scene-count field with no values gets the DefaultMaxScenes sentinel.
//
// Errors:
//   - Invalid rules are returned before any lookup.
//   - Lookup failures are not errors: a failed LookupValues is logged,
//     counted and treated as empty, a failed LookupRelated leaves the
//     references null.
func (in *Interner) Intern(ctx context.Context, facts []*records.FactRecord, rules []FieldRule) (*Result, error) {
	rules, err := PrepareRules(rules)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Maps:    make(map[string]ValueIdentityMap, len(rules)),
		Entries: make(map[string][]records.Record),
		Stats:   make(map[string]FieldStats, len(rules)),
	}
	for _, rule := range rules {
		m, entries, st := in.internField(ctx, facts, rule)
		res.Maps[rule.Name] = m
		res.Stats[rule.Name] = st
		if len(entries) > 0 {
			res.Entries[rule.Table] = append(res.Entries[rule.Table], entries...)
		}
	}
	return res, nil
}

func (in *Interner) internField(ctx context.Context, facts []*records.FactRecord, rule FieldRule) (ValueIdentityMap, []records.Record, FieldStats) {
	distinct := DistinctValues(facts, rule.Name)
	if rule.Role == RoleSceneCount && len(distinct) == 0 {
		distinct = []string{SentinelMaxScenes}
	}
	st := FieldStats{Distinct: len(distinct)}

	m := make(ValueIdentityMap, len(distinct))
	if len(distinct) == 0 {
		return m, nil, st
	}

	known := in.lookupValues(ctx, rule, distinct, &st)
	var missing []string
	for _, v := range distinct {
		if id, ok := known[v]; ok {
			m[v] = id
			continue
		}
		missing = append(missing, v)
	}
	st.Known = len(distinct) - len(missing)

	var refs map[string]any
	if rule.Role == RoleLayer && len(missing) > 0 {
		refs = in.lookupRefs(ctx, rule, missing)
	}

	entries := make([]records.Record, 0, len(missing))
	for _, v := range missing {
		id := in.newID()
		m[v] = id
		entries = append(entries, newEntry(rule, id, v, refs))
	}
	st.Minted = len(entries)

	storage.Printf(in.Logger, "stage=intern field=%s table=%s distinct=%d known=%d minted=%d fallback=%t",
		rule.Name, rule.Table, st.Distinct, st.Known, st.Minted, st.Fallback)
	metrics.RecordDimensionEntries(rule.Table, st.Minted)
	return m, entries, st
}

func (in *Interner) lookupValues(ctx context.Context, rule FieldRule, values []string, st *FieldStats) map[string]string {
	if in.Gateway == nil {
		return nil
	}
	known, err := in.Gateway.LookupValues(ctx, rule.Table, rule.ValueColumn, rule.IDColumn, values)
	if err != nil {
		st.Fallback = true
		storage.Printf(in.Logger, "stage=intern field=%s table=%s lookup_failed=true err=%v", rule.Name, rule.Table, err)
		metrics.RecordGatewayFallback(rule.Table)
		return nil
	}
	return known
}

// lookupRefs resolves the related id for each value. Values without a match
// are absent from the result.
func (in *Interner) lookupRefs(ctx context.Context, rule FieldRule, values []string) map[string]any {
	if in.Gateway == nil {
		return nil
	}
	related, err := in.Gateway.LookupRelated(ctx, rule.RelatedTable, rule.RelatedKeyColumn, values)
	if err != nil {
		storage.Printf(in.Logger, "stage=intern field=%s related_table=%s lookup_failed=true err=%v", rule.Name, rule.RelatedTable, err)
		metrics.RecordGatewayFallback(rule.RelatedTable)
		return nil
	}
	out := make(map[string]any, len(related))
	for k, rec := range related {
		if v := rec[rule.RelatedIDColumn]; v != nil {
			out[k] = storage.NormalizeKey(v)
		}
	}
	return out
}

func (in *Interner) newID() string {
	if in.NewID != nil {
		return in.NewID()
	}
	return uuid.NewString()
}

func newEntry(rule FieldRule, id, value string, refs map[string]any) records.Record {
	e := records.Record{
		rule.IDColumn:    id,
		rule.ValueColumn: value,
		VersionColumn:    int64(1),
	}
	switch rule.Role {
	case RoleFeatureCode:
		e[FeedSourceColumn] = rule.FeedSource
	case RoleLayer:
		// nil when unresolved.
		e[rule.RefColumn] = refs[value]
	}
	return e
}

// DistinctValues returns the canonical keys of field over facts, in
// first-seen order.
func DistinctValues(facts []*records.FactRecord, field string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range facts {
		v, ok := f.Attrs[field]
		if !ok {
			continue
		}
		key, ok := Canonical(v)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
