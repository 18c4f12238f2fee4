package genicam

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/dom"
)

// Document is the feature graph of one GenICam XML document. Name lookup
// is O(1) through the node index built at parse time. Cross references
// (pValue, selectors, invalidators) are non-owning lookups by name.
type Document struct {
	root *dom.Element

	nodes map[string]*Node

	// invalidatees maps a feature name to the nodes whose cache a write
	// to that feature discards.
	invalidatees map[string][]*Node

	// selectedBy maps a feature name to the names of the selectors that
	// control its meaning.
	selectedBy map[string][]string

	ports map[string]Port

	modelName   string
	vendorName  string
	schemaMajor int
	schemaMinor int

	strictRange bool
	logger      *zap.Logger
}

// Option configures a Document.
type Option func(*Document)

// WithLogger installs a structured logger. The default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Document) { d.logger = l }
}

// WithRelaxedRangeCheck clamps out-of-range writes to [min, max] instead
// of failing them. Integer values are snapped to the increment; float
// values are clamped without snapping.
func WithRelaxedRangeCheck() Option {
	return func(d *Document) { d.strictRange = false }
}

// Parse builds the feature graph from raw (possibly compressed) XML.
func Parse(data []byte, opts ...Option) (*Document, error) {
	xdoc, err := dom.Parse(data)
	if err != nil {
		return nil, err
	}
	if xdoc.Root.Tag != "RegisterDescription" {
		return nil, fmt.Errorf("%w: root element is %q, want RegisterDescription", aravis.ErrParse, xdoc.Root.Tag)
	}

	d := &Document{
		root:         xdoc.Root,
		nodes:        make(map[string]*Node),
		invalidatees: make(map[string][]*Node),
		selectedBy:   make(map[string][]string),
		ports:        make(map[string]Port),
		strictRange:  true,
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}

	d.modelName = xdoc.Root.Attr("ModelName")
	d.vendorName = xdoc.Root.Attr("VendorName")
	d.schemaMajor, _ = strconv.Atoi(xdoc.Root.Attr("SchemaMajorVersion"))
	d.schemaMinor, _ = strconv.Atoi(xdoc.Root.Attr("SchemaMinorVersion"))

	if err := d.index(xdoc.Root, nil); err != nil {
		return nil, err
	}
	d.buildCrossReferences()

	d.logger.Debug("genicam document parsed",
		zap.String("model", d.modelName),
		zap.Int("schema_major", d.schemaMajor),
		zap.Int("nodes", len(d.nodes)))
	return d, nil
}

// index walks the element tree and registers every named feature node.
// The parent argument is the textual owner, used by struct entries to
// inherit their register address.
func (d *Document) index(el *dom.Element, parent *Node) error {
	var owner *Node
	if kind, ok := kindByTag[el.Tag]; ok {
		name := el.Attr("Name")
		if name != "" {
			if _, dup := d.nodes[name]; dup {
				// Entry names only need to be unique within their
				// enumeration; anything else is a malformed document.
				if kind != KindEnumEntry {
					return fmt.Errorf("%w: duplicate feature name %q", aravis.ErrParse, name)
				}
			} else {
				n := newNode(d, kind, name, el, parent)
				d.nodes[name] = n
				owner = n
			}
		}
	}
	if owner == nil {
		owner = parent
	}
	for _, c := range el.Children {
		if err := d.index(c, owner); err != nil {
			return err
		}
	}
	return nil
}

// buildCrossReferences fills the invalidation and selector indexes from
// the node set.
func (d *Document) buildCrossReferences() {
	for _, n := range d.nodes {
		for _, inv := range n.el.ChildrenByTag("pInvalidator") {
			name := strings.TrimSpace(inv.Text)
			if name == "" {
				continue
			}
			n.invalidators = append(n.invalidators, name)
			d.invalidatees[name] = append(d.invalidatees[name], n)
		}
		for _, sel := range n.el.ChildrenByTag("pSelected") {
			name := strings.TrimSpace(sel.Text)
			if name == "" {
				continue
			}
			n.selected = append(n.selected, name)
			d.selectedBy[name] = append(d.selectedBy[name], n.name)
		}
	}
}

// Node returns the feature with the given name.
func (d *Document) Node(name string) (*Node, error) {
	n, ok := d.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", aravis.ErrUnknownFeature, name)
	}
	return n, nil
}

// HasNode reports whether a feature with the given name exists.
func (d *Document) HasNode(name string) bool {
	_, ok := d.nodes[name]
	return ok
}

// NodeNames returns the names of all features, unordered.
func (d *Document) NodeNames() []string {
	names := make([]string, 0, len(d.nodes))
	for name := range d.nodes {
		names = append(names, name)
	}
	return names
}

// ModelName returns the ModelName attribute of the root element.
func (d *Document) ModelName() string { return d.modelName }

// VendorName returns the VendorName attribute of the root element.
func (d *Document) VendorName() string { return d.vendorName }

// SchemaVersion returns the declared schema major and minor version.
func (d *Document) SchemaVersion() (major, minor int) {
	return d.schemaMajor, d.schemaMinor
}

// PortNames returns the names of all Port nodes in the document.
func (d *Document) PortNames() []string {
	var names []string
	for name, n := range d.nodes {
		if n.kind == KindPort {
			names = append(names, name)
		}
	}
	return names
}

// RegisterPort binds a Port implementation to the Port node with the
// given name. Register nodes referring to that port become usable.
func (d *Document) RegisterPort(name string, port Port) {
	d.ports[name] = port
}

func (d *Document) port(name string) (Port, error) {
	p, ok := d.ports[name]
	if !ok {
		return nil, fmt.Errorf("%w: port %q not bound", aravis.ErrNotConnected, name)
	}
	return p, nil
}

// fireInvalidators discards the cache of every node that declares the
// written feature as an invalidator.
func (d *Document) fireInvalidators(name string) {
	for _, n := range d.invalidatees[name] {
		n.cacheValid = false
	}
}

// selectorFingerprint concatenates the current values of the selectors
// controlling the named feature. A cached register value is valid only
// under an identical fingerprint. ok is false when a selector could not
// be read, in which case the cache must be bypassed entirely.
func (d *Document) selectorFingerprint(name string) (fp string, ok bool) {
	sels := d.selectedBy[name]
	if len(sels) == 0 {
		return "", true
	}
	var sb strings.Builder
	for _, sel := range sels {
		n, found := d.nodes[sel]
		if !found {
			continue
		}
		v, err := n.IntValue()
		if err != nil {
			return "", false
		}
		fmt.Fprintf(&sb, "%s=%d;", sel, v)
	}
	return sb.String(), true
}
