package multitable

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sceneetl/internal/config"
	"sceneetl/internal/extract"
	"sceneetl/internal/metrics"
	"sceneetl/internal/normalize"
	"sceneetl/internal/storage"
	"sceneetl/internal/transformer/builtin"
	"sceneetl/pkg/records"
)

// Logger is the minimal logging interface used by the multitable engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

var tracer = otel.Tracer("sceneetl/internal/multitable")

// Document is one parsed input document of a family.
type Document struct {
	Path      string
	Root      extract.Node
	ProjectID int64
	Family    config.FamilyConfig
}

// Report summarizes one document run.
type Report struct {
	Extracted int
	Minted    int
	Persisted map[string]int64
}

// Engine runs one document through extract, intern, rewrite and persist.
//
// Stages are strictly sequential: interning needs every distinct value
// before its batched lookups, and nothing is persisted before the rewrite is
// complete. The gateway is the only blocking dependency.
type Engine struct {
	Gateway storage.Gateway
	Logger  Logger

	// RowHash, when set, stamps a content hash on hierarchy rows. The row id
	// and parent column are always excluded when hashing all columns.
	RowHash *builtin.Hash

	// NewID mints fact and dimension ids. Defaults to random UUIDs.
	NewID func() string
}

// RunDocument processes doc and persists its tables in this order: new
// dimension entries (by table name), hierarchy tiers (parents first), then
// flat sections (by table name).
//
// Errors:
//   - Extraction errors (invalid family) and persist errors are returned.
//   - Gateway lookup failures during interning are not errors; they are
//     logged and counted by the interner.
//   - Tables persisted before a failing table stay written.
func (e *Engine) RunDocument(ctx context.Context, doc Document) (*Report, error) {
	if e.Gateway == nil {
		return nil, fmt.Errorf("engine: Gateway is required")
	}
	if doc.Root == nil {
		return nil, fmt.Errorf("engine: document %s has no root", doc.Path)
	}

	ctx, span := tracer.Start(ctx, "document", trace.WithAttributes(
		attribute.String("family", doc.Family.Name),
		attribute.String("path", doc.Path),
		attribute.Int64("project_id", doc.ProjectID),
	))
	defer span.End()

	rep, err := e.runDocument(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rep, err
}

func (e *Engine) runDocument(ctx context.Context, doc Document) (*Report, error) {
	rep := &Report{}

	var res *extract.Result
	err := e.stage(ctx, "extract", func(context.Context) error {
		c := extract.NewContext(doc.ProjectID)
		if e.NewID != nil {
			c.NewID = e.NewID
		}
		var err error
		res, err = extract.Document(c, doc.Root, doc.Family.Family)
		if err != nil {
			return err
		}
		rep.Extracted = c.Len()
		metrics.RecordRecords("extracted", rep.Extracted)
		return nil
	})
	if err != nil {
		return nil, err
	}

	facts := res.HierarchyFacts()

	var interned *normalize.Result
	err = e.stage(ctx, "intern", func(ctx context.Context) error {
		in := &normalize.Interner{Gateway: e.Gateway, Logger: e.Logger, NewID: e.NewID}
		var err error
		interned, err = in.Intern(ctx, facts, doc.Family.Fields)
		if err != nil {
			return err
		}
		rep.Minted = interned.Minted()
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = e.stage(ctx, "rewrite", func(context.Context) error {
		normalize.Rewrite(facts, interned.Maps, doc.Family.FieldNames(), doc.Family.EffectiveHousekeeping())
		return nil
	})
	if err != nil {
		return nil, err
	}

	batches := e.plan(res, interned)
	err = e.stage(ctx, "persist", func(ctx context.Context) error {
		w := &TableWriter{Gateway: e.Gateway, Logger: e.Logger}
		var err error
		rep.Persisted, err = w.Write(ctx, batches)
		return err
	})
	if err != nil {
		return rep, err
	}

	logf(e.Logger, "stage=document family=%s path=%s project_id=%d extracted=%d minted=%d tables=%d",
		doc.Family.Name, doc.Path, doc.ProjectID, rep.Extracted, rep.Minted, len(rep.Persisted))
	return rep, nil
}

// plan orders the tables of one document for persistence.
func (e *Engine) plan(res *extract.Result, interned *normalize.Result) []TableBatch {
	var out []TableBatch

	dims := make([]string, 0, len(interned.Entries))
	for t := range interned.Entries {
		dims = append(dims, t)
	}
	sort.Strings(dims)
	for _, t := range dims {
		out = append(out, TableBatch{Table: t, Rows: interned.Entries[t]})
	}

	for _, rt := range res.Hierarchy {
		route := res.Routes[rt]
		rows := res.Rows(rt)
		if e.RowHash != nil && len(rows) > 0 {
			h := *e.RowHash
			h.Exclude = append(append([]string(nil), h.Exclude...), "id")
			if route.ParentColumn != "" {
				h.Exclude = append(h.Exclude, route.ParentColumn)
			}
			h.Apply(rows)
		}
		out = append(out, TableBatch{Table: route.Table, Rows: rows})
	}

	flat := make([]string, 0, len(res.Flat))
	for _, rt := range res.Flat {
		flat = append(flat, res.Routes[rt].Table)
	}
	byTable := make(map[string][]records.Record, len(flat))
	for _, rt := range res.Flat {
		t := res.Routes[rt].Table
		byTable[t] = append(byTable[t], res.Rows(rt)...)
	}
	sort.Strings(flat)
	for i, t := range flat {
		if i > 0 && flat[i-1] == t {
			continue
		}
		out = append(out, TableBatch{Table: t, Rows: byTable[t]})
	}
	return out
}

// stage runs fn inside a span and records its step metrics.
func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordStep(name, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logf(e.Logger, "stage=%s error=%v duration=%s", name, err, durMS(start))
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func logf(l Logger, format string, v ...any) {
	if l == nil {
		return
	}
	l.Printf(format, v...)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
