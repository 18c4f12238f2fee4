// Package dom holds the parsed GenICam XML as a tree of typed elements
// with ordered children and a flat attribute map. The tree is immutable
// after parsing; the genicam package overlays the feature graph on it.
package dom

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/go-aravis/aravis"
)

// Element is one XML element: a tag, name-keyed attributes, ordered
// children and the accumulated character data of its direct text nodes.
type Element struct {
	Tag      string
	Attrs    map[string]string
	Children []*Element
	Text     string
}

// Attr returns the value of the named attribute, or "".
func (e *Element) Attr(name string) string {
	return e.Attrs[name]
}

// Child returns the first child with the given tag, or nil.
func (e *Element) Child(tag string) *Element {
	for _, c := range e.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// ChildText returns the text content of the first child with the given
// tag, or "".
func (e *Element) ChildText(tag string) string {
	if c := e.Child(tag); c != nil {
		return strings.TrimSpace(c.Text)
	}
	return ""
}

// ChildrenByTag returns all children with the given tag, in document
// order.
func (e *Element) ChildrenByTag(tag string) []*Element {
	var out []*Element
	for _, c := range e.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// Document is a parsed GenICam XML document.
type Document struct {
	Root *Element
}

// Parse builds the element tree from raw XML text. The input may be
// plain, gzip compressed or a zip archive; see Decompress.
func Parse(data []byte) (*Document, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, err
	}

	dec := xml.NewDecoder(strings.NewReader(string(raw)))
	var stack []*Element
	var root *Element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", aravis.ErrParse, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Tag: t.Name.Local, Attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				el.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple root elements", aravis.ErrParse)
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unbalanced end element", aravis.ErrParse)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil || len(stack) != 0 {
		return nil, fmt.Errorf("%w: truncated document", aravis.ErrParse)
	}
	return &Document{Root: root}, nil
}
