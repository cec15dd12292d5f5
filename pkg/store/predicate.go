/*
Copyright 2023-2024 SmartDC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrPredicate is raised for any malformed predicate or filter.
	ErrPredicate = errors.New("invalid predicate")
)

// Predicate is the common filter tree both the JSON predicate surface
// and the LDAP-style query strings compile to.
type Predicate struct {
	// Op is one of eq, ne, gt, ge, lt, le, and, or, not.
	Op string

	// Field and Value apply to comparison ops.
	Field string
	Value interface{}

	// Args apply to and/or/not.
	Args []*Predicate
}

// ParsePredicate decodes the JSON predicate surface, e.g.
// {"and":[{"eq":["brand","lx"]},{"ge":["ram",256]}]}.
func ParsePredicate(raw string) (*Predicate, error) {
	var tree map[string]json.RawMessage

	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPredicate, err)
	}

	if len(tree) != 1 {
		return nil, fmt.Errorf("%w: expected a single operation, got %d", ErrPredicate, len(tree))
	}

	for op, args := range tree {
		return parsePredicateOp(op, args)
	}

	// Unreachable.
	return nil, ErrPredicate
}

func parsePredicateOp(op string, args json.RawMessage) (*Predicate, error) {
	switch op {
	case "and", "or":
		var children []json.RawMessage

		if err := json.Unmarshal(args, &children); err != nil {
			return nil, fmt.Errorf("%w: %s arguments must be an array", ErrPredicate, op)
		}

		if len(children) == 0 {
			return nil, fmt.Errorf("%w: %s needs at least one argument", ErrPredicate, op)
		}

		predicate := &Predicate{Op: op}

		for _, child := range children {
			parsed, err := ParsePredicate(string(child))
			if err != nil {
				return nil, err
			}

			predicate.Args = append(predicate.Args, parsed)
		}

		return predicate, nil

	case "not":
		child, err := ParsePredicate(string(args))
		if err != nil {
			return nil, err
		}

		return &Predicate{Op: op, Args: []*Predicate{child}}, nil

	case "eq", "ne", "gt", "ge", "lt", "le":
		var pair []interface{}

		if err := json.Unmarshal(args, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("%w: %s expects [field, value]", ErrPredicate, op)
		}

		field, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s field must be a string", ErrPredicate, op)
		}

		return &Predicate{Op: op, Field: field, Value: pair[1]}, nil
	}

	return nil, fmt.Errorf("%w: unknown operation %q", ErrPredicate, op)
}

// Match evaluates the predicate over a flattened attribute map.
func (p *Predicate) Match(fields map[string]interface{}) bool {
	switch p.Op {
	case "and":
		for _, arg := range p.Args {
			if !arg.Match(fields) {
				return false
			}
		}

		return true

	case "or":
		for _, arg := range p.Args {
			if arg.Match(fields) {
				return true
			}
		}

		return false

	case "not":
		return !p.Args[0].Match(fields)
	}

	actual, ok := fields[p.Field]
	if !ok {
		return false
	}

	switch p.Op {
	case "eq":
		return valueEqual(actual, p.Value)
	case "ne":
		return !valueEqual(actual, p.Value)
	case "gt", "ge", "lt", "le":
		cmp, ok := valueCompare(actual, p.Value)
		if !ok {
			return false
		}

		switch p.Op {
		case "gt":
			return cmp > 0
		case "ge":
			return cmp >= 0
		case "lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	}

	return false
}

// valueEqual compares loosely: numbers numerically, everything else as
// strings, with glob support when the wanted value carries wildcards.
func valueEqual(actual, wanted interface{}) bool {
	if af, aok := toFloat(actual); aok {
		if wf, wok := toFloat(wanted); wok {
			return af == wf
		}
	}

	ws := stringify(wanted)

	if strings.Contains(ws, "*") {
		return globMatch(ws, stringify(actual))
	}

	return stringify(actual) == ws
}

// valueCompare orders numerically when both sides are numbers, falling
// back to lexicographic order.
func valueCompare(actual, wanted interface{}) (int, bool) {
	if af, aok := toFloat(actual); aok {
		if wf, wok := toFloat(wanted); wok {
			switch {
			case af < wf:
				return -1, true
			case af > wf:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	return strings.Compare(stringify(actual), stringify(wanted)), true
}

func toFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case string:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, false
		}

		return f, true
	}

	return 0, false
}

func stringify(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	}

	return fmt.Sprintf("%v", v)
}

// globMatch does simple * wildcard matching.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}

	s = s[len(parts[0]):]

	for i, part := range parts[1:] {
		last := i == len(parts)-2

		if part == "" {
			if last {
				return true
			}

			continue
		}

		if last {
			return strings.HasSuffix(s, part)
		}

		index := strings.Index(s, part)
		if index < 0 {
			return false
		}

		s = s[index+len(part):]
	}

	return len(s) == 0
}
