// Package terminology provides implementations of the codelist collaborator
// interfaces: an in-memory snapshot store, a JSON snapshot loader, and an
// HTTP client for a remote terminology server behind a circuit breaker.
package terminology

import (
	"fmt"
	"strconv"
	"strings"
)

// ConstraintOp selects how a constraint clause expands around its concept.
type ConstraintOp int

const (
	OpSelf ConstraintOp = iota
	OpDescendants
	OpDescendantsOrSelf
)

// Constraint is one clause of the expression profile the bundled stores
// evaluate locally: disjunctions (OR) of `<<id`, `<id` and bare `id`
// clauses. This covers every expression the drug translator emits and the
// focused constraints codelists use in practice; a remote terminology
// server is free to support the full language.
type Constraint struct {
	Op        ConstraintOp
	ConceptID int64
}

// ParseExpression parses the constrained expression grammar shared by the
// in-memory and PostgreSQL stores.
func ParseExpression(expr string) ([]Constraint, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	var out []Constraint
	expectClause := true
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if f == "OR" {
			if expectClause {
				return nil, fmt.Errorf("unsupported expression %q: misplaced OR", expr)
			}
			expectClause = true
			continue
		}
		if !expectClause {
			return nil, fmt.Errorf("unsupported expression %q: expected OR before %q", expr, f)
		}
		op := OpSelf
		rest := f
		switch {
		case strings.HasPrefix(f, "<<"):
			op = OpDescendantsOrSelf
			rest = f[2:]
		case strings.HasPrefix(f, "<"):
			op = OpDescendants
			rest = f[1:]
		}
		if rest == "" {
			// Whitespace between the operator and the identifier.
			i++
			if i >= len(fields) {
				return nil, fmt.Errorf("unsupported expression %q: dangling operator", expr)
			}
			rest = fields[i]
		}
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("unsupported expression %q: %q is not a concept identifier", expr, rest)
		}
		out = append(out, Constraint{Op: op, ConceptID: id})
		expectClause = false
	}
	if expectClause {
		return nil, fmt.Errorf("unsupported expression %q: trailing OR", expr)
	}
	return out, nil
}
