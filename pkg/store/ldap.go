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
	"fmt"
	"strings"
)

// ParseLDAP parses the LDAP-style filter subset accepted on the query=
// parameter, e.g. (&(ram>=128)(tags=*-smartdc_type=core-*)), into the
// shared predicate tree.
//
// Supported: conjunction (&...), disjunction (|...), negation (!...)
// and the attribute comparisons =, >=, <=.  Values may carry * wildcards
// which match as globs; the tags attribute uses the flattened
// -key=value- convention.
func ParseLDAP(filter string) (*Predicate, error) {
	parser := &ldapParser{input: filter}

	predicate, err := parser.parse()
	if err != nil {
		return nil, err
	}

	if parser.pos != len(parser.input) {
		return nil, fmt.Errorf("%w: trailing garbage at offset %d", ErrPredicate, parser.pos)
	}

	return predicate, nil
}

type ldapParser struct {
	input string
	pos   int
}

func (p *ldapParser) parse() (*Predicate, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	var predicate *Predicate

	var err error

	switch p.peek() {
	case '&':
		p.pos++

		predicate, err = p.parseSet("and")
	case '|':
		p.pos++

		predicate, err = p.parseSet("or")
	case '!':
		p.pos++

		var child *Predicate

		child, err = p.parse()
		if err == nil {
			predicate = &Predicate{Op: "not", Args: []*Predicate{child}}
		}
	default:
		predicate, err = p.parseComparison()
	}

	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return predicate, nil
}

// parseSet parses one or more parenthesized children.
func (p *ldapParser) parseSet(op string) (*Predicate, error) {
	predicate := &Predicate{Op: op}

	for p.peek() == '(' {
		child, err := p.parse()
		if err != nil {
			return nil, err
		}

		predicate.Args = append(predicate.Args, child)
	}

	if len(predicate.Args) == 0 {
		return nil, fmt.Errorf("%w: empty %s expression", ErrPredicate, op)
	}

	return predicate, nil
}

// parseComparison parses attr=value, attr>=value or attr<=value.
func (p *ldapParser) parseComparison() (*Predicate, error) {
	end := strings.IndexByte(p.input[p.pos:], ')')
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated expression", ErrPredicate)
	}

	expression := p.input[p.pos : p.pos+end]
	p.pos += end

	for _, comparison := range []struct {
		token string
		op    string
	}{
		{">=", "ge"},
		{"<=", "le"},
		{"=", "eq"},
	} {
		index := strings.Index(expression, comparison.token)
		if index <= 0 {
			continue
		}

		field := expression[:index]
		value := expression[index+len(comparison.token):]

		return &Predicate{Op: comparison.op, Field: field, Value: value}, nil
	}

	return nil, fmt.Errorf("%w: malformed comparison %q", ErrPredicate, expression)
}

func (p *ldapParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}

	return p.input[p.pos]
}

func (p *ldapParser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("%w: expected %q at offset %d", ErrPredicate, string(c), p.pos)
	}

	p.pos++

	return nil
}
