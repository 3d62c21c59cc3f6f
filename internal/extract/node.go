package extract

// Node is the read-only view of a parsed document the extractor walks.
//
// Implementations are owned by the parser (see internal/parser/xml) and must
// be safe to read repeatedly; the extractor never mutates them.
type Node interface {
	// Tag is the element name, case preserved.
	Tag() string

	// Attrs returns the node's attributes. Callers must not modify the map.
	Attrs() map[string]string

	// FindAll returns every descendant (not the receiver) whose tag equals
	// tag, in document order.
	FindAll(tag string) []Node
}
