// Package xml parses render-configuration documents into an element tree the
// extractor can walk.
package xml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/encoding/htmlindex"

	"sceneetl/internal/extract"
)

// Element is one XML element. Elements are immutable once Parse returns.
type Element struct {
	name     string
	attrs    map[string]string
	order    []string
	children []*Element
}

var _ extract.Node = (*Element)(nil)

// Tag implements extract.Node.
func (e *Element) Tag() string { return e.name }

// Attrs implements extract.Node.
func (e *Element) Attrs() map[string]string { return e.attrs }

// AttrNames returns attribute names in document order.
func (e *Element) AttrNames() []string { return e.order }

// Children returns the direct child elements in document order.
func (e *Element) Children() []*Element { return e.children }

// FindAll implements extract.Node with the semantics of ElementTree's
// findall(".//tag"): a pre-order walk over descendants, receiver excluded.
func (e *Element) FindAll(tag string) []extract.Node {
	var out []extract.Node
	var walk func(*Element)
	walk = func(n *Element) {
		for _, c := range n.children {
			if c.name == tag {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(e)
	return out
}

// Parse reads a whole document and returns its root element.
//
// Errors:
//   - Returns an error for syntactically invalid XML or a document with no
//     root element. This is the only extraction failure that aborts a run.
func Parse(r io.Reader) (*Element, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader

	var (
		root  *Element
		stack []*Element
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{
				name:  qualifiedName(t.Name),
				attrs: make(map[string]string, len(t.Attr)),
				order: make([]string, 0, len(t.Attr)),
			}
			for _, a := range t.Attr {
				n := qualifiedName(a.Name)
				if _, dup := el.attrs[n]; !dup {
					el.order = append(el.order, n)
				}
				el.attrs[n] = a.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("parse xml: multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("parse xml: document has no root element")
	}
	return root, nil
}

// ParseFile opens path and parses it.
func ParseFile(path string) (*Element, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	root, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return root, nil
}

// charsetReader decodes documents whose declaration names a non UTF-8
// charset. Render tools write ISO-8859-1 and windows-1252 headers.
func charsetReader(label string, in io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(in), nil
}

func qualifiedName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
