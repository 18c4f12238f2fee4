package genicam

import (
	"fmt"
	"math"
	"strconv"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/eval"
)

// number carries a formula result across the int/float boundary without
// committing to a domain.
type number struct {
	isFloat bool
	i       int64
	f       float64
}

func intValueOf(i int64) number     { return number{i: i} }
func floatValueOf(f float64) number { return number{isFloat: true, f: f} }

func (v number) asInt() int64 {
	if v.isFloat {
		return int64(math.Round(v.f))
	}
	return v.i
}

func (v number) asFloat() float64 {
	if v.isFloat {
		return v.f
	}
	return float64(v.i)
}

// integerDomain reports whether the node computes in the integer domain,
// deciding which evaluator entry point is used.
func (n *Node) integerDomain() bool {
	return n.kind == KindIntSwissKnife || n.kind == KindIntConverter
}

// bindVariables injects every pVariable, Constant and Expression child
// into the evaluator. pVariable text names a feature; the Name attribute
// (when present) renames it inside the formula.
func (n *Node) bindVariables(ev *eval.Evaluator) error {
	for _, el := range n.el.ChildrenByTag("pVariable") {
		feature := trim(el.Text)
		varName := el.Attr("Name")
		if varName == "" {
			varName = feature
		}
		ref, err := n.doc.Node(feature)
		if err != nil {
			return err
		}
		if n.integerDomain() {
			v, err := ref.IntValue()
			if err != nil {
				return err
			}
			ev.SetInt64Variable(varName, v)
		} else {
			v, err := ref.FloatValue()
			if err != nil {
				return err
			}
			ev.SetDoubleVariable(varName, v)
		}
	}
	for _, el := range n.el.ChildrenByTag("Constant") {
		name := el.Attr("Name")
		if name == "" {
			continue
		}
		if v, err := parseIntText(el.Text); err == nil {
			ev.SetInt64Variable(name, v)
		} else if f, ferr := parseFloatText(el.Text); ferr == nil {
			ev.SetDoubleVariable(name, f)
		}
	}
	for _, el := range n.el.ChildrenByTag("Expression") {
		name := el.Attr("Name")
		if name == "" {
			continue
		}
		sub := eval.New(trim(el.Text))
		if err := n.copyVariables(sub); err != nil {
			return err
		}
		if n.integerDomain() {
			v, err := sub.EvaluateAsInt64()
			if err != nil {
				return fmt.Errorf("expression %s of %q: %w", name, n.name, err)
			}
			ev.SetInt64Variable(name, v)
		} else {
			v, err := sub.EvaluateAsDouble()
			if err != nil {
				return fmt.Errorf("expression %s of %q: %w", name, n.name, err)
			}
			ev.SetDoubleVariable(name, v)
		}
	}
	return nil
}

// copyVariables rebinds the node's pVariable set into a sub-expression
// evaluator.
func (n *Node) copyVariables(sub *eval.Evaluator) error {
	for _, el := range n.el.ChildrenByTag("pVariable") {
		feature := trim(el.Text)
		varName := el.Attr("Name")
		if varName == "" {
			varName = feature
		}
		ref, err := n.doc.Node(feature)
		if err != nil {
			return err
		}
		if n.integerDomain() {
			v, err := ref.IntValue()
			if err != nil {
				return err
			}
			sub.SetInt64Variable(varName, v)
		} else {
			v, err := ref.FloatValue()
			if err != nil {
				return err
			}
			sub.SetDoubleVariable(varName, v)
		}
	}
	return nil
}

// swissKnife evaluates the node's Formula over its variables.
func (n *Node) swissKnife() (number, error) {
	formula := n.el.ChildText("Formula")
	if formula == "" {
		return number{}, fmt.Errorf("%w: swiss knife %q has no Formula", aravis.ErrParse, n.name)
	}
	if n.formulaEval == nil {
		n.formulaEval = eval.New(formula)
	} else {
		n.formulaEval.SetExpression(formula)
	}
	if err := n.bindVariables(n.formulaEval); err != nil {
		return number{}, err
	}
	if n.integerDomain() {
		v, err := n.formulaEval.EvaluateAsInt64()
		if err != nil {
			return number{}, fmt.Errorf("formula of %q: %w", n.name, err)
		}
		return intValueOf(v), nil
	}
	v, err := n.formulaEval.EvaluateAsDouble()
	if err != nil {
		return number{}, fmt.Errorf("formula of %q: %w", n.name, err)
	}
	return floatValueOf(v), nil
}

// converterRead maps the device-side pValue through FormulaTo
// (device to feature). The device value is bound as the variable TO.
func (n *Node) converterRead() (number, error) {
	ref, err := n.resolve("pValue")
	if err != nil {
		return number{}, err
	}
	if ref == nil {
		return number{}, fmt.Errorf("%w: converter %q has no pValue", aravis.ErrParse, n.name)
	}
	formula := n.el.ChildText("FormulaTo")
	if formula == "" {
		return number{}, fmt.Errorf("%w: converter %q has no FormulaTo", aravis.ErrParse, n.name)
	}
	if n.formulaToEval == nil {
		n.formulaToEval = eval.New(formula)
	} else {
		n.formulaToEval.SetExpression(formula)
	}
	if err := n.bindVariables(n.formulaToEval); err != nil {
		return number{}, err
	}
	if n.integerDomain() {
		device, err := ref.IntValue()
		if err != nil {
			return number{}, err
		}
		n.formulaToEval.SetInt64Variable("TO", device)
		v, err := n.formulaToEval.EvaluateAsInt64()
		if err != nil {
			return number{}, fmt.Errorf("FormulaTo of %q: %w", n.name, err)
		}
		return intValueOf(v), nil
	}
	device, err := ref.FloatValue()
	if err != nil {
		return number{}, err
	}
	n.formulaToEval.SetDoubleVariable("TO", device)
	v, err := n.formulaToEval.EvaluateAsDouble()
	if err != nil {
		return number{}, fmt.Errorf("FormulaTo of %q: %w", n.name, err)
	}
	return floatValueOf(v), nil
}

// converterWrite maps the feature value through FormulaFrom (feature to
// device) and writes the result to pValue. The written value is bound as
// the variable FROM.
func (n *Node) converterWrite(v number) error {
	ref, err := n.resolve("pValue")
	if err != nil {
		return err
	}
	if ref == nil {
		return fmt.Errorf("%w: converter %q has no pValue", aravis.ErrParse, n.name)
	}
	formula := n.el.ChildText("FormulaFrom")
	if formula == "" {
		return fmt.Errorf("%w: converter %q has no FormulaFrom", aravis.ErrParse, n.name)
	}
	if n.formulaFromEval == nil {
		n.formulaFromEval = eval.New(formula)
	} else {
		n.formulaFromEval.SetExpression(formula)
	}
	if err := n.bindVariables(n.formulaFromEval); err != nil {
		return err
	}
	if n.integerDomain() {
		n.formulaFromEval.SetInt64Variable("FROM", v.asInt())
		device, err := n.formulaFromEval.EvaluateAsInt64()
		if err != nil {
			return fmt.Errorf("FormulaFrom of %q: %w", n.name, err)
		}
		if err := ref.SetIntValue(device); err != nil {
			return err
		}
	} else {
		n.formulaFromEval.SetDoubleVariable("FROM", v.asFloat())
		device, err := n.formulaFromEval.EvaluateAsDouble()
		if err != nil {
			return fmt.Errorf("FormulaFrom of %q: %w", n.name, err)
		}
		if err := ref.SetFloatValue(device); err != nil {
			return err
		}
	}
	n.doc.fireInvalidators(n.name)
	return nil
}

func parseFloatText(s string) (float64, error) {
	return strconv.ParseFloat(trim(s), 64)
}
