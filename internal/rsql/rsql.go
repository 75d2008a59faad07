// Package rsql parses the FIQL-style target filter queries used by rollout
// definitions (e.g. "controllerId==device-*;name!=lab*") into squirrel
// predicates. Supported operators: "==", "!=", ";" (and), "," (or), with
// "*" as wildcard and parentheses for grouping.
package rsql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
)

var ErrEmptyQuery = errors.New("filter query is empty")

// Parse translates query into a predicate over the given field→column
// mapping. Referencing a field outside the mapping is a validation error.
func Parse(query string, fields map[string]string) (squirrel.Sqlizer, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	p := &parser{input: query, fields: fields}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q at position %d", p.rest(), p.pos)
	}
	return expr, nil
}

type parser struct {
	input  string
	pos    int
	fields map[string]string
}

func (p *parser) parseOr() (squirrel.Sqlizer, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := squirrel.Or{left}
	for p.consume(',') {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return terms, nil
}

func (p *parser) parseAnd() (squirrel.Sqlizer, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	terms := squirrel.And{left}
	for p.consume(';') {
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return terms, nil
}

func (p *parser) parsePrimary() (squirrel.Sqlizer, error) {
	if p.consume('(') {
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.consume(')') {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		return expr, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (squirrel.Sqlizer, error) {
	field := p.scanWord()
	if field == "" {
		return nil, fmt.Errorf("expected field name at position %d", p.pos)
	}
	column, ok := p.fields[field]
	if !ok {
		return nil, fmt.Errorf("unknown filter field %q", field)
	}

	var negated bool
	switch {
	case p.consumeString("=="):
	case p.consumeString("!="):
		negated = true
	default:
		return nil, fmt.Errorf("expected == or != after %q at position %d", field, p.pos)
	}

	value := p.scanWord()
	if value == "" {
		return nil, fmt.Errorf("expected value after operator at position %d", p.pos)
	}
	return comparison(column, value, negated), nil
}

func comparison(column, value string, negated bool) squirrel.Sqlizer {
	if strings.ContainsRune(value, '*') {
		pattern := likePattern(value)
		if negated {
			return squirrel.NotLike{column: pattern}
		}
		return squirrel.Like{column: pattern}
	}
	if negated {
		return squirrel.NotEq{column: value}
	}
	return squirrel.Eq{column: value}
}

// likePattern rewrites "*" wildcards as "%", escaping any literal LIKE
// metacharacters in the value.
func likePattern(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (p *parser) scanWord() string {
	start := p.pos
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ';', ',', '(', ')', '=', '!':
			return p.input[start:p.pos]
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *parser) consume(c byte) bool {
	if p.pos < len(p.input) && p.input[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) consumeString(s string) bool {
	if strings.HasPrefix(p.input[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) rest() string {
	if p.pos >= len(p.input) {
		return ""
	}
	return p.input[p.pos:]
}
