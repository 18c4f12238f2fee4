package genicam

import (
	"fmt"

	"github.com/go-aravis/aravis"
)

// Entries returns the EnumEntry nodes of an Enumeration, in document
// order. Entry nodes are owned by their enumeration so entry names only
// need to be unique within it.
func (n *Node) Entries() []*Node {
	if n.kind != KindEnumeration {
		return nil
	}
	if n.entries == nil {
		for _, el := range n.el.ChildrenByTag("EnumEntry") {
			name := el.Attr("Name")
			if name == "" {
				continue
			}
			n.entries = append(n.entries, newNode(n.doc, KindEnumEntry, name, el, n))
		}
	}
	return n.entries
}

// EntryNames returns the selectable entry names of an Enumeration.
func (n *Node) EntryNames() []string {
	entries := n.Entries()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names
}

// enumSource returns the node holding the enumeration's raw integer,
// either a pValue reference or the enumeration itself (in-memory).
func (n *Node) enumSource() (*Node, error) {
	return n.resolve("pValue")
}

func (n *Node) enumIntValue() (int64, error) {
	src, err := n.enumSource()
	if err != nil {
		return 0, err
	}
	if src != nil {
		return src.IntValue()
	}
	if n.memInt != nil {
		return *n.memInt, nil
	}
	if s := n.el.ChildText("Value"); s != "" {
		return parseIntText(s)
	}
	// Default to the first entry.
	entries := n.Entries()
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: enumeration %q has no entries", aravis.ErrParse, n.name)
	}
	return entries[0].IntValue()
}

func (n *Node) enumStringValue() (string, error) {
	v, err := n.enumIntValue()
	if err != nil {
		return "", err
	}
	for _, entry := range n.Entries() {
		ev, err := entry.IntValue()
		if err != nil {
			continue
		}
		if ev == v {
			return entry.name, nil
		}
	}
	return "", fmt.Errorf("%w: enumeration %q has no entry for value %d",
		aravis.ErrOutOfRange, n.name, v)
}

func (n *Node) setEnumIntValue(v int64) error {
	// The value must name an existing entry.
	found := false
	for _, entry := range n.Entries() {
		ev, err := entry.IntValue()
		if err != nil {
			continue
		}
		if ev == v {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: enumeration %q has no entry for value %d",
			aravis.ErrOutOfRange, n.name, v)
	}
	src, err := n.enumSource()
	if err != nil {
		return err
	}
	if src != nil {
		if err := src.SetIntValue(v); err != nil {
			return err
		}
	} else {
		n.memInt = &v
	}
	n.doc.fireInvalidators(n.name)
	return nil
}

func (n *Node) setEnumStringValue(s string) error {
	for _, entry := range n.Entries() {
		if entry.name != s {
			continue
		}
		v, err := entry.IntValue()
		if err != nil {
			return err
		}
		return n.setEnumIntValue(v)
	}
	return fmt.Errorf("%w: enumeration %q has no entry %q",
		aravis.ErrUnknownFeature, n.name, s)
}
