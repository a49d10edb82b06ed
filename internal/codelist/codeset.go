package codelist

import "context"

// Codeset is a resolvable collection of concept identifiers. It abstracts
// over the two ways a codelist exists in practice: an already-materialized
// finite set, and a lazy specification resolved on demand. Both expose the
// same two operations, so callers holding either can expand it fully or
// probe membership cheaply.
type Codeset interface {
	// Expand materializes the full concept set.
	Expand(ctx context.Context) (ConceptSet, error)
	// Contains reports whether any of the given identifiers belongs to the
	// codeset.
	Contains(ctx context.Context, ids ...int64) (bool, error)
}

// MaterialSet is a Codeset backed by a concrete finite set. Expansion copies
// the set; membership is a direct lookup.
type MaterialSet struct {
	set ConceptSet
}

// NewMaterialSet wraps concrete identifiers as a Codeset.
func NewMaterialSet(ids ...int64) *MaterialSet {
	return &MaterialSet{set: NewConceptSet(ids...)}
}

// MaterializeSet wraps an existing ConceptSet as a Codeset. The set is
// copied, so later mutation of the argument does not leak in.
func MaterializeSet(set ConceptSet) *MaterialSet {
	return &MaterialSet{set: set.Clone()}
}

func (m *MaterialSet) Expand(ctx context.Context) (ConceptSet, error) {
	return m.set.Clone(), nil
}

func (m *MaterialSet) Contains(ctx context.Context, ids ...int64) (bool, error) {
	for _, id := range ids {
		if m.set.Contains(id) {
			return true, nil
		}
	}
	return false, nil
}

// LazySpec is a Codeset backed by an unresolved specification. Expansion
// runs the evaluator; membership runs the reverse classifier, which never
// materializes the full set.
type LazySpec struct {
	expr Expression
	eval *Evaluator
	cls  *Classifier
}

// NewLazySpec wraps a specification tree as a Codeset. The tree is validated
// eagerly so an invalid specification fails at construction rather than on
// first use.
func NewLazySpec(expr Expression, eval *Evaluator, cls *Classifier) (*LazySpec, error) {
	if err := Validate(expr); err != nil {
		return nil, err
	}
	return &LazySpec{expr: expr, eval: eval, cls: cls}, nil
}

func (l *LazySpec) Expand(ctx context.Context) (ConceptSet, error) {
	return l.eval.Evaluate(ctx, l.expr)
}

func (l *LazySpec) Contains(ctx context.Context, ids ...int64) (bool, error) {
	return l.cls.AnyMatch(ctx, l.expr, ids)
}
