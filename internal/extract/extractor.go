// Package extract walks hierarchical documents and flattens every node into a
// FactRecord carrying a fresh surrogate id and a reference to its parent.
package extract

import (
	"github.com/google/uuid"

	"sceneetl/pkg/records"
)

// Working columns added to every extracted record.
const (
	// SortOrderColumn is the 1-based position of a node among the nodes found
	// under the same parent. Downstream rewriting drops it.
	SortOrderColumn = "sort_order"

	// ProjectColumn carries the document's project id when the context has one.
	ProjectColumn = "project_id"
)

// Context holds the in-progress collections of one extraction pass.
//
// A Context belongs to a single document run and is not safe for concurrent
// use. Collections are appended in tree order, so every parent precedes its
// children within the pass.
type Context struct {
	// ProjectID is attached to every record as project_id when non-zero.
	ProjectID int64

	// NewID mints surrogate ids. Defaults to random UUIDs.
	NewID func() string

	collections map[string][]*records.FactRecord
	order       []string
}

// NewContext returns an empty context for one document.
func NewContext(projectID int64) *Context {
	return &Context{
		ProjectID:   projectID,
		NewID:       uuid.NewString,
		collections: make(map[string][]*records.FactRecord),
	}
}

// Collection returns the records extracted so far for a record type.
func (c *Context) Collection(recordType string) []*records.FactRecord {
	return c.collections[recordType]
}

// Collections returns all collections keyed by record type.
func (c *Context) Collections() map[string][]*records.FactRecord {
	return c.collections
}

// RecordTypes returns record types in the order they were first produced.
func (c *Context) RecordTypes() []string {
	return append([]string(nil), c.order...)
}

// Len returns the total number of records in the context.
func (c *Context) Len() int {
	n := 0
	for _, col := range c.collections {
		n += len(col)
	}
	return n
}

func (c *Context) newRecord(n Node, recordType string, parent *records.FactRecord, listFields map[string]struct{}) *records.FactRecord {
	newID := c.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	f := &records.FactRecord{
		ID:         newID(),
		RecordType: recordType,
		Attrs:      attrRecord(n, listFields),
	}
	if parent != nil {
		pid := parent.ID
		f.ParentID = &pid
	}
	if c.ProjectID != 0 {
		f.Attrs[ProjectColumn] = c.ProjectID
	}

	if c.collections == nil {
		c.collections = make(map[string][]*records.FactRecord)
	}
	if _, ok := c.collections[recordType]; !ok {
		c.order = append(c.order, recordType)
	}
	c.collections[recordType] = append(c.collections[recordType], f)
	return f
}

// Extract walks root according to spec and returns one collection per tier,
// keyed by the tier's tag.
//
// See ExtractInto for traversal rules.
func Extract(root Node, spec HierarchySpec) (map[string][]*records.FactRecord, error) {
	c := NewContext(0)
	if err := ExtractInto(c, root, spec); err != nil {
		return nil, err
	}
	return c.Collections(), nil
}

// ExtractInto walks root according to spec and appends records to c.
//
// Traversal:
//   - Tier 0 nodes are the descendants of root with the tier-0 tag; tier i+1
//     nodes are the descendants of a tier i node with the tier i+1 tag.
//   - Each record's ParentID is the id of the enclosing tier i-1 record.
//   - A node already claimed at its tier (possible when tags nest) is not
//     extracted twice; the first claim in document order wins.
//   - Nodes of tier i>0 that no tier i-1 node encloses are extracted after
//     the regular walk with a nil parent, and their own subtrees are walked
//     beneath them.
//
// Node implementations must be comparable (pointer types in practice) since
// claimed nodes are tracked in a set.
func ExtractInto(c *Context, root Node, spec HierarchySpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	listFields := make(map[string]struct{}, len(spec.ListFields))
	for _, f := range spec.ListFields {
		listFields[f] = struct{}{}
	}

	w := walker{
		ctx:        c,
		spec:       spec,
		listFields: listFields,
		claimed:    make([]map[Node]struct{}, len(spec.Levels)),
	}
	for i := range w.claimed {
		w.claimed[i] = make(map[Node]struct{})
	}

	w.descend(root, 0, nil)

	for level := 1; level < len(spec.Levels); level++ {
		orphans := 0
		for _, n := range root.FindAll(spec.Levels[level].Tag) {
			if _, ok := w.claimed[level][n]; ok {
				continue
			}
			orphans++
			w.visit(n, level, nil, orphans)
		}
	}
	return nil
}

type walker struct {
	ctx        *Context
	spec       HierarchySpec
	listFields map[string]struct{}
	claimed    []map[Node]struct{}
}

func (w *walker) descend(n Node, level int, parent *records.FactRecord) {
	if level >= len(w.spec.Levels) {
		return
	}
	pos := 0
	for _, child := range n.FindAll(w.spec.Levels[level].Tag) {
		if _, ok := w.claimed[level][child]; ok {
			continue
		}
		pos++
		w.visit(child, level, parent, pos)
	}
}

func (w *walker) visit(n Node, level int, parent *records.FactRecord, pos int) {
	w.claimed[level][n] = struct{}{}
	rec := w.ctx.newRecord(n, w.spec.Levels[level].Tag, parent, w.listFields)
	rec.Attrs[SortOrderColumn] = int64(pos)
	w.descend(n, level+1, rec)
}

// ExtractFlat extracts one parentless record per node tagged tag, for
// container sections that carry attributes but no hierarchy. extra columns are
// added to every record (e.g. a document type discriminator).
func ExtractFlat(c *Context, root Node, tag string, extra records.Record) []*records.FactRecord {
	start := len(c.Collection(tag))
	for _, n := range root.FindAll(tag) {
		rec := c.newRecord(n, tag, nil, nil)
		for k, v := range extra {
			rec.Attrs[k] = v
		}
	}
	return c.Collection(tag)[start:]
}
