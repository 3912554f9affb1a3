package policy

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrMalformedCondition is returned when a condition node is structurally
// invalid. Gate evaluation degrades such policies conservatively; they never
// resolve to an allow.
var ErrMalformedCondition = errors.New("policy: malformed condition")

// Condition is a tagged expression tree over an evaluation context map.
// Exactly one branch must be set per node. A nil *Condition always applies.
//
// The tree stays small: equality, set membership, and boolean composition.
type Condition struct {
	All    []*Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any    []*Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not    *Condition   `json:"not,omitempty" yaml:"not,omitempty"`
	Equals *EqualsTest  `json:"equals,omitempty" yaml:"equals,omitempty"`
	In     *InTest      `json:"in,omitempty" yaml:"in,omitempty"`
}

// EqualsTest passes when context[Key] equals Value exactly.
type EqualsTest struct {
	Key   string `json:"key" yaml:"key"`
	Value any    `json:"value" yaml:"value"`
}

// InTest passes when context[Key] equals any listed value.
type InTest struct {
	Key    string `json:"key" yaml:"key"`
	Values []any  `json:"values" yaml:"values"`
}

// AllEqual builds a conjunction of equality tests, one per map entry. This is
// the shape legacy flat condition maps translate to.
func AllEqual(pairs map[string]any) *Condition {
	if len(pairs) == 0 {
		return nil
	}
	c := &Condition{}
	for k, v := range pairs {
		c.All = append(c.All, &Condition{Equals: &EqualsTest{Key: k, Value: v}})
	}
	return c
}

func (c *Condition) branches() int {
	n := 0
	if len(c.All) > 0 {
		n++
	}
	if len(c.Any) > 0 {
		n++
	}
	if c.Not != nil {
		n++
	}
	if c.Equals != nil {
		n++
	}
	if c.In != nil {
		n++
	}
	return n
}

// Eval interprets the tree against the context map. A nil condition applies
// unconditionally.
func (c *Condition) Eval(ctx map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}
	if c.branches() != 1 {
		return false, fmt.Errorf("%w: node must set exactly one branch", ErrMalformedCondition)
	}

	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if sub == nil {
				return false, fmt.Errorf("%w: nil node in all", ErrMalformedCondition)
			}
			ok, err := sub.Eval(ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if sub == nil {
				return false, fmt.Errorf("%w: nil node in any", ErrMalformedCondition)
			}
			ok, err := sub.Eval(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case c.Not != nil:
		ok, err := c.Not.Eval(ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case c.Equals != nil:
		if c.Equals.Key == "" {
			return false, fmt.Errorf("%w: equals requires a key", ErrMalformedCondition)
		}
		got, present := ctx[c.Equals.Key]
		return present && looseEqual(got, c.Equals.Value), nil

	case c.In != nil:
		if c.In.Key == "" || len(c.In.Values) == 0 {
			return false, fmt.Errorf("%w: in requires a key and values", ErrMalformedCondition)
		}
		got, present := ctx[c.In.Key]
		if !present {
			return false, nil
		}
		for _, v := range c.In.Values {
			if looseEqual(got, v) {
				return true, nil
			}
		}
		return false, nil
	}

	return false, ErrMalformedCondition
}

// looseEqual compares scalars tolerating the int/float64 split introduced by
// JSON and YAML decoding.
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
