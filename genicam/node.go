package genicam

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/dom"
	"github.com/go-aravis/aravis/eval"
)

// Node is one feature of the graph, a tagged variant over the closed set
// of GenICam node kinds. Kind-specific behavior is dispatched in the
// value accessors rather than through inheritance.
type Node struct {
	doc    *Document
	kind   NodeKind
	name   string
	el     *dom.Element
	parent *Node // textual owner in the XML; struct entries inherit its address

	invalidators []string // features whose write discards this node's cache
	selected     []string // features this node selects

	cachePolicy CachePolicy
	pollingTime time.Duration

	// Register cache: valid only while no invalidator fired, the selector
	// fingerprint matches and the polling time has not elapsed.
	cacheValid       bool
	cacheData        []byte
	cacheFingerprint string
	cacheAddr        uint64
	cacheTime        time.Time

	// In-memory value overrides for literal value nodes.
	memInt    *int64
	memFloat  *float64
	memString *string

	// Lazily built EnumEntry children of an Enumeration.
	entries []*Node

	// Compiled formula programs, one per formula child.
	formulaEval     *eval.Evaluator
	formulaToEval   *eval.Evaluator
	formulaFromEval *eval.Evaluator
}

func newNode(d *Document, kind NodeKind, name string, el *dom.Element, parent *Node) *Node {
	n := &Node{
		doc:         d,
		kind:        kind,
		name:        name,
		el:          el,
		parent:      parent,
		cachePolicy: parseCachePolicy(el.ChildText("Cachable")),
	}
	if pt := el.ChildText("PollingTime"); pt != "" {
		if ms, err := strconv.Atoi(pt); err == nil {
			n.pollingTime = time.Duration(ms) * time.Millisecond
		}
	}
	return n
}

// Name returns the feature name, unique within the document.
func (n *Node) Name() string { return n.name }

// Kind returns the node kind.
func (n *Node) Kind() NodeKind { return n.kind }

// Description returns the Description child text, or "".
func (n *Node) Description() string { return n.el.ChildText("Description") }

// DisplayName returns the DisplayName child text, or the feature name.
func (n *Node) DisplayName() string {
	if dn := n.el.ChildText("DisplayName"); dn != "" {
		return dn
	}
	return n.name
}

// AccessMode returns the declared access mode, RW when unspecified.
func (n *Node) AccessMode() AccessMode {
	if s := n.el.ChildText("ImposedAccessMode"); s != "" {
		return parseAccessMode(s)
	}
	if s := n.el.ChildText("AccessMode"); s != "" {
		return parseAccessMode(s)
	}
	if n.kind == KindCommand {
		return AccessWO
	}
	return AccessRW
}

// CachePolicy returns the caching policy for register-backed nodes.
func (n *Node) CachePolicy() CachePolicy { return n.cachePolicy }

// PollingTime returns the polling interval after which a cached value is
// considered stale, or zero.
func (n *Node) PollingTime() time.Duration { return n.pollingTime }

// Invalidators returns the names of the features whose write discards
// this node's cache.
func (n *Node) Invalidators() []string { return n.invalidators }

// SelectedFeatures returns the names of the features this node selects.
func (n *Node) SelectedFeatures() []string { return n.selected }

// Selectors returns the names of the selectors controlling this node.
func (n *Node) Selectors() []string { return n.doc.selectedBy[n.name] }

// IsSelector reports whether writing this node changes the meaning of
// other features.
func (n *Node) IsSelector() bool { return len(n.selected) > 0 }

func (n *Node) checkReadable() error {
	if n.AccessMode() == AccessWO {
		return fmt.Errorf("%w: feature %q is write-only", aravis.ErrAccessDenied, n.name)
	}
	return nil
}

func (n *Node) checkWritable() error {
	if n.AccessMode() == AccessRO {
		return fmt.Errorf("%w: feature %q is read-only", aravis.ErrAccessDenied, n.name)
	}
	return nil
}

// resolve returns the node referenced by the given child tag, e.g.
// pValue, pMin, pAddress.
func (n *Node) resolve(tag string) (*Node, error) {
	name := n.el.ChildText(tag)
	if name == "" {
		return nil, nil
	}
	return n.doc.Node(name)
}

// parseIntText parses GenICam integer literals, which may be decimal or
// 0x-prefixed hexadecimal.
func parseIntText(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		u, err := strconv.ParseUint(s[2:], 16, 64)
		return int64(u), err
	}
	return strconv.ParseInt(s, 10, 64)
}

// intProp evaluates a literal child (tag) or a referenced feature
// (pTag), returning def when neither is present.
func (n *Node) intProp(tag, pTag string, def int64) (int64, error) {
	if s := n.el.ChildText(tag); s != "" {
		v, err := parseIntText(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %s of %q: %v", aravis.ErrParse, tag, n.name, err)
		}
		return v, nil
	}
	if pTag != "" {
		ref, err := n.resolve(pTag)
		if err != nil {
			return 0, err
		}
		if ref != nil {
			return ref.IntValue()
		}
	}
	return def, nil
}

func (n *Node) floatProp(tag, pTag string, def float64) (float64, error) {
	if s := n.el.ChildText(tag); s != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s of %q: %v", aravis.ErrParse, tag, n.name, err)
		}
		return v, nil
	}
	if pTag != "" {
		ref, err := n.resolve(pTag)
		if err != nil {
			return 0, err
		}
		if ref != nil {
			return ref.FloatValue()
		}
	}
	return def, nil
}

// IntMin returns the feature minimum, math.MinInt64 when unconstrained.
func (n *Node) IntMin() (int64, error) {
	switch n.kind {
	case KindIntSwissKnife, KindSwissKnife:
		return n.intProp("Min", "pMin", minInt64)
	case KindIntConverter, KindConverter:
		return n.intProp("Min", "pMin", minInt64)
	case KindIntReg, KindMaskedIntReg, KindStructEntry:
		return n.registerIntMin()
	}
	return n.intProp("Min", "pMin", minInt64)
}

// IntMax returns the feature maximum, math.MaxInt64 when unconstrained.
func (n *Node) IntMax() (int64, error) {
	switch n.kind {
	case KindIntReg, KindMaskedIntReg, KindStructEntry:
		return n.registerIntMax()
	}
	return n.intProp("Max", "pMax", maxInt64)
}

// IntInc returns the feature increment, 1 when unconstrained.
func (n *Node) IntInc() (int64, error) {
	return n.intProp("Inc", "pInc", 1)
}

// FloatMin returns the feature minimum in the float domain.
func (n *Node) FloatMin() (float64, error) {
	return n.floatProp("Min", "pMin", -maxFloat64)
}

// FloatMax returns the feature maximum in the float domain.
func (n *Node) FloatMax() (float64, error) {
	return n.floatProp("Max", "pMax", maxFloat64)
}

// FloatInc returns the feature increment in the float domain, 0 when
// continuous.
func (n *Node) FloatInc() (float64, error) {
	return n.floatProp("Inc", "pInc", 0)
}

// clampInt applies the range policy: strict checking fails out-of-range
// writes, relaxed checking clamps to [min, max] snapped to inc.
func (n *Node) clampInt(v int64) (int64, error) {
	min, err := n.IntMin()
	if err != nil {
		return 0, err
	}
	max, err := n.IntMax()
	if err != nil {
		return 0, err
	}
	if v >= min && v <= max {
		return v, nil
	}
	if n.doc.strictRange {
		return 0, fmt.Errorf("%w: %d not in [%d, %d] for feature %q",
			aravis.ErrOutOfRange, v, min, max, n.name)
	}
	inc, err := n.IntInc()
	if err != nil {
		return 0, err
	}
	if v < min {
		v = min
	} else {
		v = max
	}
	if inc > 1 {
		v = min + (v-min)/inc*inc
	}
	return v, nil
}

func (n *Node) clampFloat(v float64) (float64, error) {
	min, err := n.FloatMin()
	if err != nil {
		return 0, err
	}
	max, err := n.FloatMax()
	if err != nil {
		return 0, err
	}
	if v >= min && v <= max {
		return v, nil
	}
	if n.doc.strictRange {
		return 0, fmt.Errorf("%w: %g not in [%g, %g] for feature %q",
			aravis.ErrOutOfRange, v, min, max, n.name)
	}
	if v < min {
		return min, nil
	}
	return max, nil
}

const (
	minInt64   = math.MinInt64
	maxInt64   = math.MaxInt64
	maxFloat64 = math.MaxFloat64
)
