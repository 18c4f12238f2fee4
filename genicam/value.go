package genicam

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-aravis/aravis"
)

// Feature nodes share a small capability set: get/set value, min/max/inc,
// execute and access mode. Dispatch is by node kind; kinds that do not
// support a capability fail with ErrInvalidArgument, and writes to
// computed SwissKnife nodes fail with ErrAccessDenied.

// IntValue reads the feature as a 64-bit integer, descending through
// pValue indirections down to registers, formulas or literals.
func (n *Node) IntValue() (int64, error) {
	if err := n.checkReadable(); err != nil {
		return 0, err
	}
	switch n.kind {
	case KindInteger:
		if n.memInt != nil {
			return *n.memInt, nil
		}
		if n.el.Child("pIndex") != nil {
			return n.valueIndexed()
		}
		if s := n.el.ChildText("Value"); s != "" {
			return parseIntText(s)
		}
		if ref, err := n.resolve("pValue"); err != nil {
			return 0, err
		} else if ref != nil {
			return ref.IntValue()
		}
		return 0, nil
	case KindIntReg, KindMaskedIntReg, KindStructEntry, KindRegister:
		return n.registerInt()
	case KindIntSwissKnife, KindSwissKnife:
		v, err := n.swissKnife()
		if err != nil {
			return 0, err
		}
		if n.kind == KindIntSwissKnife {
			return v.asInt(), nil
		}
		return int64(math.Round(v.asFloat())), nil
	case KindIntConverter, KindConverter:
		v, err := n.converterRead()
		if err != nil {
			return 0, err
		}
		return v.asInt(), nil
	case KindEnumeration:
		return n.enumIntValue()
	case KindEnumEntry:
		return n.intProp("Value", "pValue", 0)
	case KindBoolean:
		b, err := n.BoolValue()
		if err != nil {
			return 0, err
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case KindFloat, KindFloatReg:
		f, err := n.FloatValue()
		if err != nil {
			return 0, err
		}
		return int64(math.Round(f)), nil
	}
	return 0, fmt.Errorf("%w: feature %q (%s) has no integer value",
		aravis.ErrInvalidArgument, n.name, n.kind)
}

// SetIntValue writes the feature as a 64-bit integer, applying the range
// policy and firing this feature's invalidators.
func (n *Node) SetIntValue(v int64) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	switch n.kind {
	case KindInteger:
		v, err := n.clampInt(v)
		if err != nil {
			return err
		}
		if ref, err := n.resolve("pValue"); err != nil {
			return err
		} else if ref != nil {
			if err := ref.SetIntValue(v); err != nil {
				return err
			}
			n.doc.fireInvalidators(n.name)
			return nil
		}
		n.memInt = &v
		n.doc.fireInvalidators(n.name)
		return nil
	case KindIntReg, KindMaskedIntReg, KindStructEntry, KindRegister:
		v, err := n.clampInt(v)
		if err != nil {
			return err
		}
		return n.setRegisterInt(v)
	case KindIntConverter, KindConverter:
		v, err := n.clampInt(v)
		if err != nil {
			return err
		}
		return n.converterWrite(intValueOf(v))
	case KindEnumeration:
		return n.setEnumIntValue(v)
	case KindBoolean:
		return n.SetBoolValue(v != 0)
	case KindFloat, KindFloatReg:
		return n.SetFloatValue(float64(v))
	case KindIntSwissKnife, KindSwissKnife:
		return fmt.Errorf("%w: feature %q is computed", aravis.ErrAccessDenied, n.name)
	}
	return fmt.Errorf("%w: feature %q (%s) has no integer value",
		aravis.ErrInvalidArgument, n.name, n.kind)
}

// valueIndexed picks the ValueIndexed child matching the index feature,
// falling back to pValueDefault or Value.
func (n *Node) valueIndexed() (int64, error) {
	ref, err := n.resolve("pIndex")
	if err != nil {
		return 0, err
	}
	index, err := ref.IntValue()
	if err != nil {
		return 0, err
	}
	for _, el := range n.el.ChildrenByTag("ValueIndexed") {
		idx, err := parseIntText(el.Attr("Index"))
		if err != nil {
			continue
		}
		if idx == index {
			return parseIntText(el.Text)
		}
	}
	if name := n.el.ChildText("pValueDefault"); name != "" {
		def, err := n.doc.Node(name)
		if err != nil {
			return 0, err
		}
		return def.IntValue()
	}
	if s := n.el.ChildText("Value"); s != "" {
		return parseIntText(s)
	}
	return 0, fmt.Errorf("%w: feature %q has no value for index %d",
		aravis.ErrOutOfRange, n.name, index)
}

// FloatValue reads the feature as a double.
func (n *Node) FloatValue() (float64, error) {
	if err := n.checkReadable(); err != nil {
		return 0, err
	}
	switch n.kind {
	case KindFloat:
		if n.memFloat != nil {
			return *n.memFloat, nil
		}
		if s := n.el.ChildText("Value"); s != "" {
			return strconv.ParseFloat(strings.TrimSpace(s), 64)
		}
		if ref, err := n.resolve("pValue"); err != nil {
			return 0, err
		} else if ref != nil {
			return ref.FloatValue()
		}
		return 0, nil
	case KindFloatReg:
		return n.registerFloat()
	case KindSwissKnife, KindIntSwissKnife:
		v, err := n.swissKnife()
		if err != nil {
			return 0, err
		}
		return v.asFloat(), nil
	case KindConverter, KindIntConverter:
		v, err := n.converterRead()
		if err != nil {
			return 0, err
		}
		return v.asFloat(), nil
	case KindInteger, KindIntReg, KindMaskedIntReg, KindStructEntry, KindEnumeration:
		v, err := n.IntValue()
		if err != nil {
			return 0, err
		}
		return float64(v), nil
	}
	return 0, fmt.Errorf("%w: feature %q (%s) has no float value",
		aravis.ErrInvalidArgument, n.name, n.kind)
}

// SetFloatValue writes the feature as a double.
func (n *Node) SetFloatValue(v float64) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	switch n.kind {
	case KindFloat:
		v, err := n.clampFloat(v)
		if err != nil {
			return err
		}
		if ref, err := n.resolve("pValue"); err != nil {
			return err
		} else if ref != nil {
			if err := ref.SetFloatValue(v); err != nil {
				return err
			}
			n.doc.fireInvalidators(n.name)
			return nil
		}
		n.memFloat = &v
		n.doc.fireInvalidators(n.name)
		return nil
	case KindFloatReg:
		v, err := n.clampFloat(v)
		if err != nil {
			return err
		}
		return n.setRegisterFloat(v)
	case KindConverter, KindIntConverter:
		v, err := n.clampFloat(v)
		if err != nil {
			return err
		}
		return n.converterWrite(floatValueOf(v))
	case KindInteger, KindIntReg, KindMaskedIntReg, KindStructEntry:
		return n.SetIntValue(int64(math.Round(v)))
	case KindSwissKnife, KindIntSwissKnife:
		return fmt.Errorf("%w: feature %q is computed", aravis.ErrAccessDenied, n.name)
	}
	return fmt.Errorf("%w: feature %q (%s) has no float value",
		aravis.ErrInvalidArgument, n.name, n.kind)
}

// StringValue reads the feature as a string. Enumerations return the
// current entry name.
func (n *Node) StringValue() (string, error) {
	if err := n.checkReadable(); err != nil {
		return "", err
	}
	switch n.kind {
	case KindString:
		if n.memString != nil {
			return *n.memString, nil
		}
		if s := n.el.ChildText("Value"); s != "" {
			return s, nil
		}
		if ref, err := n.resolve("pValue"); err != nil {
			return "", err
		} else if ref != nil {
			return ref.StringValue()
		}
		return "", nil
	case KindStringReg:
		return n.registerString()
	case KindEnumeration:
		return n.enumStringValue()
	}
	return "", fmt.Errorf("%w: feature %q (%s) has no string value",
		aravis.ErrInvalidArgument, n.name, n.kind)
}

// SetStringValue writes the feature as a string. Enumerations select the
// entry with the given name.
func (n *Node) SetStringValue(s string) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	switch n.kind {
	case KindString:
		if ref, err := n.resolve("pValue"); err != nil {
			return err
		} else if ref != nil {
			if err := ref.SetStringValue(s); err != nil {
				return err
			}
			n.doc.fireInvalidators(n.name)
			return nil
		}
		n.memString = &s
		n.doc.fireInvalidators(n.name)
		return nil
	case KindStringReg:
		return n.setRegisterString(s)
	case KindEnumeration:
		return n.setEnumStringValue(s)
	}
	return fmt.Errorf("%w: feature %q (%s) has no string value",
		aravis.ErrInvalidArgument, n.name, n.kind)
}

// BoolValue reads the feature as a boolean, comparing against OnValue
// (default 1).
func (n *Node) BoolValue() (bool, error) {
	if err := n.checkReadable(); err != nil {
		return false, err
	}
	switch n.kind {
	case KindBoolean:
		on, err := n.intProp("OnValue", "", 1)
		if err != nil {
			return false, err
		}
		var v int64
		if n.memInt != nil {
			v = *n.memInt
		} else if s := n.el.ChildText("Value"); s != "" {
			if v, err = parseIntText(s); err != nil {
				// Boolean literals may be spelled out.
				switch strings.TrimSpace(s) {
				case "true", "True":
					v = on
				default:
					v = 0
				}
				err = nil
			}
		} else if ref, rerr := n.resolve("pValue"); rerr != nil {
			return false, rerr
		} else if ref != nil {
			if v, err = ref.IntValue(); err != nil {
				return false, err
			}
		}
		return v == on, nil
	default:
		v, err := n.IntValue()
		if err != nil {
			return false, err
		}
		return v != 0, nil
	}
}

// SetBoolValue writes the feature as a boolean using OnValue/OffValue
// (defaults 1/0).
func (n *Node) SetBoolValue(b bool) error {
	if err := n.checkWritable(); err != nil {
		return err
	}
	if n.kind != KindBoolean {
		if b {
			return n.SetIntValue(1)
		}
		return n.SetIntValue(0)
	}
	on, err := n.intProp("OnValue", "", 1)
	if err != nil {
		return err
	}
	off, err := n.intProp("OffValue", "", 0)
	if err != nil {
		return err
	}
	v := off
	if b {
		v = on
	}
	if ref, err := n.resolve("pValue"); err != nil {
		return err
	} else if ref != nil {
		if err := ref.SetIntValue(v); err != nil {
			return err
		}
		n.doc.fireInvalidators(n.name)
		return nil
	}
	n.memInt = &v
	n.doc.fireInvalidators(n.name)
	return nil
}

// Execute runs a Command node: the command value is written to the
// target register.
func (n *Node) Execute() error {
	if n.kind != KindCommand {
		return fmt.Errorf("%w: feature %q (%s) is not a command",
			aravis.ErrInvalidArgument, n.name, n.kind)
	}
	if n.AccessMode() == AccessRO {
		return fmt.Errorf("%w: command %q is read-only", aravis.ErrAccessDenied, n.name)
	}
	cmd, err := n.intProp("CommandValue", "pCommandValue", 1)
	if err != nil {
		return err
	}
	ref, err := n.resolve("pValue")
	if err != nil {
		return err
	}
	if ref == nil {
		return fmt.Errorf("%w: command %q has no pValue target", aravis.ErrParse, n.name)
	}
	if err := ref.SetIntValue(cmd); err != nil {
		return err
	}
	n.doc.fireInvalidators(n.name)
	return nil
}

// ValueAsString reads any feature as its string rendition, the form the
// camera façade trades in.
func (n *Node) ValueAsString() (string, error) {
	switch n.kind {
	case KindString, KindStringReg, KindEnumeration:
		return n.StringValue()
	case KindFloat, KindFloatReg, KindSwissKnife, KindConverter:
		v, err := n.FloatValue()
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case KindBoolean:
		v, err := n.BoolValue()
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(v), nil
	default:
		v, err := n.IntValue()
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(v, 10), nil
	}
}

// SetValueFromString writes any feature from its string rendition.
func (n *Node) SetValueFromString(s string) error {
	switch n.kind {
	case KindString, KindStringReg, KindEnumeration:
		return n.SetStringValue(s)
	case KindFloat, KindFloatReg, KindConverter:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", aravis.ErrInvalidArgument, s)
		}
		return n.SetFloatValue(v)
	case KindBoolean:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%w: %q is not a boolean", aravis.ErrInvalidArgument, s)
		}
		return n.SetBoolValue(v)
	case KindCommand:
		return n.Execute()
	default:
		v, err := parseIntText(s)
		if err != nil {
			return fmt.Errorf("%w: %q is not an integer", aravis.ErrInvalidArgument, s)
		}
		return n.SetIntValue(v)
	}
}
