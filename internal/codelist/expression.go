package codelist

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// System identifies the coding system of a leaf.
type System int

const (
	// SystemECL is an expression-language constraint over the terminology graph.
	SystemECL System = iota
	// SystemATC is a drug-classification code or prefix.
	SystemATC
	// SystemICD10 is a diagnosis-classification code or prefix.
	SystemICD10
)

func (s System) String() string {
	switch s {
	case SystemECL:
		return "ecl"
	case SystemATC:
		return "atc"
	case SystemICD10:
		return "icd10"
	}
	return "unknown"
}

// Expression is a node in a codelist specification tree. The tree is finite
// by construction; the grammar has no back-references, so no cycle detection
// is needed anywhere.
type Expression interface {
	exprNode()
}

// Leaf selects concepts from a single coding system. An expression-language
// leaf carries exactly one constraint string; drug and diagnosis leaves carry
// one or more exact-or-prefix patterns, unioned. An empty pattern list is
// valid and resolves to the empty set.
type Leaf struct {
	System   System
	Patterns []string
}

// And intersects its children. An empty child list is invalid.
type And struct {
	Children []Expression
}

// Or unions its children. An empty child list resolves to the empty set.
type Or struct {
	Children []Expression
}

// Difference subtracts the resolution of Negative from Positive. It is the
// parsed form of a "not" clause attached to inclusion terms at one level.
type Difference struct {
	Positive Expression
	Negative Expression
}

func (*Leaf) exprNode()       {}
func (*And) exprNode()        {}
func (*Or) exprNode()         {}
func (*Difference) exprNode() {}

// MatchesPattern reports whether a candidate code matches a leaf pattern.
// Matching is by prefix, case-sensitive, with exact match as the
// zero-remainder special case. A trailing '*' on the pattern is stripped.
func MatchesPattern(pattern, candidate string) bool {
	return strings.HasPrefix(candidate, strings.TrimSuffix(pattern, "*"))
}

func matchesAny(patterns, candidates []string) bool {
	for _, p := range patterns {
		for _, c := range candidates {
			if MatchesPattern(p, c) {
				return true
			}
		}
	}
	return false
}

// ParseSpec parses the JSON wire form of a codelist specification into an
// Expression tree and validates it. Implicit unions are desugared here: a
// bare array becomes an Or node, and multiple sibling inclusion keys at one
// level are unioned. Duplicate keys at one level are a hard validation
// error, detected at the token level.
func ParseSpec(data []byte) (Expression, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	p := &specParser{dec: dec}
	expr, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, validationf("trailing data after specification")
	}
	if err := Validate(expr); err != nil {
		return nil, err
	}
	return expr, nil
}

// Validate checks the structural invariants of a specification tree without
// touching any collaborator. Trees built programmatically should be passed
// through it; Evaluate and AnyMatch call it before doing any work.
func Validate(expr Expression) error {
	if expr == nil {
		return validationf("empty specification")
	}
	switch n := expr.(type) {
	case *Leaf:
		if n.System == SystemECL && len(n.Patterns) != 1 {
			return validationf("ecl leaf requires exactly one constraint")
		}
		for _, p := range n.Patterns {
			if p == "" {
				return validationf("empty pattern for %s leaf", n.System)
			}
		}
	case *And:
		if len(n.Children) == 0 {
			return validationf("and requires at least one child")
		}
		for _, c := range n.Children {
			if err := Validate(c); err != nil {
				return err
			}
		}
	case *Or:
		for _, c := range n.Children {
			if err := Validate(c); err != nil {
				return err
			}
		}
	case *Difference:
		if n.Positive == nil {
			return validationf("a not clause requires at least one inclusion term at the same level")
		}
		if n.Negative == nil {
			return validationf("difference requires a negative term")
		}
		if err := Validate(n.Positive); err != nil {
			return err
		}
		return Validate(n.Negative)
	default:
		return validationf("unsupported expression node %T", expr)
	}
	return nil
}

type specParser struct {
	dec *json.Decoder
}

// parseValue parses one specification value: an object, or a bare array of
// specifications (sugar for or).
func (p *specParser) parseValue() (Expression, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return nil, validationf("malformed JSON: %v", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil, validationf("specification must be an object or array, got %v", tok)
	}
	switch delim {
	case '{':
		return p.parseObject()
	case '[':
		children, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return &Or{Children: children}, nil
	}
	return nil, validationf("specification must be an object or array")
}

// parseValueList parses the remainder of an array of specifications,
// consuming the closing bracket.
func (p *specParser) parseValueList() ([]Expression, error) {
	var children []Expression
	for p.dec.More() {
		child, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if _, err := p.dec.Token(); err != nil {
		return nil, validationf("malformed JSON: %v", err)
	}
	return children, nil
}

// parseObject parses the remainder of a specification object, consuming the
// closing brace, and desugars its keys into a single node.
func (p *specParser) parseObject() (Expression, error) {
	seen := make(map[string]bool)
	var positives []Expression
	var negative Expression
	for p.dec.More() {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, validationf("malformed JSON: %v", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, validationf("malformed JSON: object key expected")
		}
		if seen[key] {
			return nil, validationf("duplicate key %q at one level", key)
		}
		seen[key] = true

		switch key {
		case "ecl":
			s, err := p.parseString(key)
			if err != nil {
				return nil, err
			}
			positives = append(positives, &Leaf{System: SystemECL, Patterns: []string{s}})
		case "atc":
			pats, err := p.parseStrings(key)
			if err != nil {
				return nil, err
			}
			positives = append(positives, &Leaf{System: SystemATC, Patterns: pats})
		case "icd10":
			pats, err := p.parseStrings(key)
			if err != nil {
				return nil, err
			}
			positives = append(positives, &Leaf{System: SystemICD10, Patterns: pats})
		case "and":
			children, err := p.parseSpecArray(key)
			if err != nil {
				return nil, err
			}
			positives = append(positives, &And{Children: children})
		case "or":
			children, err := p.parseSpecArray(key)
			if err != nil {
				return nil, err
			}
			positives = append(positives, &Or{Children: children})
		case "not":
			neg, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			negative = neg
		default:
			return nil, validationf("unsupported key %q", key)
		}
	}
	if _, err := p.dec.Token(); err != nil {
		return nil, validationf("malformed JSON: %v", err)
	}

	var node Expression
	switch len(positives) {
	case 0:
		if negative != nil {
			return nil, validationf("a not clause requires at least one inclusion term at the same level")
		}
		return nil, validationf("empty specification")
	case 1:
		node = positives[0]
	default:
		node = &Or{Children: positives}
	}
	if negative != nil {
		return &Difference{Positive: node, Negative: negative}, nil
	}
	return node, nil
}

func (p *specParser) parseString(key string) (string, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return "", validationf("malformed JSON: %v", err)
	}
	s, ok := tok.(string)
	if !ok {
		return "", validationf("key %q expects a string value", key)
	}
	return s, nil
}

// parseStrings accepts a single string or an array of strings.
func (p *specParser) parseStrings(key string) ([]string, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return nil, validationf("malformed JSON: %v", err)
	}
	switch t := tok.(type) {
	case string:
		return []string{t}, nil
	case json.Delim:
		if t != '[' {
			return nil, validationf("key %q expects a string or array of strings", key)
		}
		pats := []string{}
		for p.dec.More() {
			s, err := p.parseString(key)
			if err != nil {
				return nil, err
			}
			pats = append(pats, s)
		}
		if _, err := p.dec.Token(); err != nil {
			return nil, validationf("malformed JSON: %v", err)
		}
		return pats, nil
	}
	return nil, validationf("key %q expects a string or array of strings", key)
}

// parseSpecArray parses the value of an and/or key, which must be an array
// of specifications.
func (p *specParser) parseSpecArray(key string) ([]Expression, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return nil, validationf("malformed JSON: %v", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '[' {
		return nil, validationf("key %q expects an array of specifications", key)
	}
	return p.parseValueList()
}
