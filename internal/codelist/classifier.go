package codelist

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Classifier answers the reverse question: given concrete concept
// identifiers, do they satisfy a specification? It projects identifiers into
// the diagnosis and drug code systems and prefix-matches leaf patterns
// per identifier, so a handful of known concepts can be tested without
// expanding a specification that may cover millions.
//
// For any fixed snapshot, AnyMatch(spec, ids) agrees with
// Evaluate(spec) ∩ ids ≠ ∅.
type Classifier struct {
	graph  Graph
	drugs  DrugService
	eval   *Evaluator
	logger *zap.Logger
	tracer trace.Tracer
}

// NewClassifier creates a Classifier sharing an Evaluator's collaborator
// handles. The evaluator is used for exclusion clauses, whose negative side
// must be materialized.
func NewClassifier(eval *Evaluator) *Classifier {
	return &Classifier{
		graph:  eval.graph,
		drugs:  eval.drugs,
		eval:   eval,
		logger: eval.logger,
		tracer: otel.Tracer("codelist-classifier"),
	}
}

// matchState memoizes per-call collaborator lookups: historical closures and
// classified codes per identifier, and materialized exclusion sets per
// Difference node.
type matchState struct {
	hist     map[int64]ConceptSet
	icd10    map[int64][]string
	atc      map[int64][]string
	excluded map[*Difference]ConceptSet
}

func newMatchState() *matchState {
	return &matchState{
		hist:     make(map[int64]ConceptSet),
		icd10:    make(map[int64][]string),
		atc:      make(map[int64][]string),
		excluded: make(map[*Difference]ConceptSet),
	}
}

// AnyMatch reports whether any of the given identifiers satisfies the
// specification. The tree is validated before any collaborator call.
func (c *Classifier) AnyMatch(ctx context.Context, expr Expression, ids []int64) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "match_codelist",
		trace.WithAttributes(attribute.Int("candidate_count", len(ids))))
	defer span.End()

	if err := Validate(expr); err != nil {
		span.RecordError(err)
		return false, err
	}
	st := newMatchState()
	for _, id := range ids {
		ok, err := c.matches(ctx, st, expr, id)
		if err != nil {
			span.RecordError(err)
			return false, err
		}
		if ok {
			span.SetAttributes(attribute.Bool("matched", true))
			return true, nil
		}
	}
	span.SetAttributes(attribute.Bool("matched", false))
	return false, nil
}

// ClassifyToIcd10 projects identifiers into diagnosis codes: the input is
// closed under historical equivalence and each member's cross-map refset
// entries contribute their mapped codes. Result is sorted and deduplicated.
func (c *Classifier) ClassifyToIcd10(ctx context.Context, ids []int64) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "classify_icd10",
		trace.WithAttributes(attribute.Int("concept_count", len(ids))))
	defer span.End()

	hist, err := c.graph.WithHistorical(ctx, NewConceptSet(ids...))
	if err != nil {
		span.RecordError(err)
		return nil, collaboratorErr("WithHistorical", nil, err)
	}
	codes := make(map[string]struct{})
	for id := range hist {
		items, err := c.graph.ComponentRefsetItems(ctx, id, RefsetICD10ComplexMap)
		if err != nil {
			span.RecordError(err)
			return nil, collaboratorErr("ComponentRefsetItems", nil, err)
		}
		for _, item := range items {
			if item.MapTarget != "" {
				codes[item.MapTarget] = struct{}{}
			}
		}
	}
	return sortedCodes(codes), nil
}

// ClassifyToAtc projects identifiers into drug-classification codes. A
// trade-family member cannot be mapped directly, so its immediate is-a
// children (the branded products beneath it) are substituted before the
// product-to-code lookup. Result is sorted and deduplicated.
func (c *Classifier) ClassifyToAtc(ctx context.Context, ids []int64) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "classify_atc",
		trace.WithAttributes(attribute.Int("concept_count", len(ids))))
	defer span.End()

	hist, err := c.graph.WithHistorical(ctx, NewConceptSet(ids...))
	if err != nil {
		span.RecordError(err)
		return nil, collaboratorErr("WithHistorical", nil, err)
	}
	codes := make(map[string]struct{})
	for id := range hist {
		memberCodes, err := c.drugCodesForMember(ctx, id)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		for _, code := range memberCodes {
			codes[code] = struct{}{}
		}
	}
	return sortedCodes(codes), nil
}

func (c *Classifier) matches(ctx context.Context, st *matchState, expr Expression, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch n := expr.(type) {
	case *Leaf:
		return c.matchesLeaf(ctx, st, n, id)
	case *And:
		for _, child := range n.Children {
			ok, err := c.matches(ctx, st, child, id)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *Or:
		for _, child := range n.Children {
			ok, err := c.matches(ctx, st, child, id)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Difference:
		// An excluded identifier can never satisfy the positive side.
		excluded, err := c.excludedSet(ctx, st, n)
		if err != nil {
			return false, err
		}
		if excluded.Contains(id) {
			return false, nil
		}
		return c.matches(ctx, st, n.Positive, id)
	}
	return false, validationf("unsupported expression node %T", expr)
}

func (c *Classifier) matchesLeaf(ctx context.Context, st *matchState, leaf *Leaf, id int64) (bool, error) {
	switch leaf.System {
	case SystemICD10:
		codes, err := c.icd10CodesFor(ctx, st, id)
		if err != nil {
			return false, err
		}
		return matchesAny(leaf.Patterns, codes), nil
	case SystemATC:
		codes, err := c.atcCodesFor(ctx, st, id)
		if err != nil {
			return false, err
		}
		return matchesAny(leaf.Patterns, codes), nil
	case SystemECL:
		return c.eclContains(ctx, st, leaf, id)
	}
	return false, validationf("unsupported leaf system %d", leaf.System)
}

// eclContains reports whether an identifier is subsumed by an
// expression-language leaf. The identifier's historical closure is tested
// against the raw expression through the graph's filter fast path when
// available; otherwise the expression is expanded once and probed directly.
func (c *Classifier) eclContains(ctx context.Context, st *matchState, leaf *Leaf, id int64) (bool, error) {
	expr := leaf.Patterns[0]
	candidates := NewConceptSet(id)
	if c.eval.includeHistoric {
		hist, err := c.histFor(ctx, st, id)
		if err != nil {
			return false, err
		}
		candidates = hist
	}
	if filter, ok := c.graph.(ExpressionFilter); ok {
		sub, err := filter.FilterExpression(ctx, expr, candidates.Slice())
		if err != nil {
			return false, collaboratorErr("FilterExpression", leaf, err)
		}
		return !sub.IsEmpty(), nil
	}
	full, err := c.graph.ExpandExpression(ctx, expr, c.eval.includeHistoric)
	if err != nil {
		return false, collaboratorErr("ExpandExpression", leaf, err)
	}
	return !full.Intersect(candidates).IsEmpty(), nil
}

func (c *Classifier) excludedSet(ctx context.Context, st *matchState, n *Difference) (ConceptSet, error) {
	if set, ok := st.excluded[n]; ok {
		return set, nil
	}
	set, err := c.eval.Evaluate(ctx, n.Negative)
	if err != nil {
		return nil, err
	}
	st.excluded[n] = set
	return set, nil
}

func (c *Classifier) histFor(ctx context.Context, st *matchState, id int64) (ConceptSet, error) {
	if set, ok := st.hist[id]; ok {
		return set, nil
	}
	set, err := c.graph.WithHistorical(ctx, NewConceptSet(id))
	if err != nil {
		return nil, collaboratorErr("WithHistorical", nil, err)
	}
	st.hist[id] = set
	return set, nil
}

func (c *Classifier) icd10CodesFor(ctx context.Context, st *matchState, id int64) ([]string, error) {
	if codes, ok := st.icd10[id]; ok {
		return codes, nil
	}
	hist, err := c.histFor(ctx, st, id)
	if err != nil {
		return nil, err
	}
	var codes []string
	for member := range hist {
		items, err := c.graph.ComponentRefsetItems(ctx, member, RefsetICD10ComplexMap)
		if err != nil {
			return nil, collaboratorErr("ComponentRefsetItems", nil, err)
		}
		for _, item := range items {
			if item.MapTarget != "" {
				codes = append(codes, item.MapTarget)
			}
		}
	}
	st.icd10[id] = codes
	return codes, nil
}

func (c *Classifier) atcCodesFor(ctx context.Context, st *matchState, id int64) ([]string, error) {
	if codes, ok := st.atc[id]; ok {
		return codes, nil
	}
	hist, err := c.histFor(ctx, st, id)
	if err != nil {
		return nil, err
	}
	var codes []string
	for member := range hist {
		memberCodes, err := c.drugCodesForMember(ctx, member)
		if err != nil {
			return nil, err
		}
		codes = append(codes, memberCodes...)
	}
	st.atc[id] = codes
	return codes, nil
}

// drugCodesForMember maps one concept to its drug-classification codes,
// substituting a trade family's immediate children first.
func (c *Classifier) drugCodesForMember(ctx context.Context, id int64) ([]string, error) {
	items, err := c.graph.ComponentRefsetItems(ctx, id, RefsetTradeFamily)
	if err != nil {
		return nil, collaboratorErr("ComponentRefsetItems", nil, err)
	}
	products := NewConceptSet(id)
	if len(items) > 0 {
		children, err := c.graph.ChildRelationshipsOfType(ctx, id, RelationshipIsA)
		if err != nil {
			return nil, collaboratorErr("ChildRelationshipsOfType", nil, err)
		}
		products = children
	}
	var codes []string
	for product := range products {
		code, err := c.drugs.ProductToAtc(ctx, product)
		if err != nil {
			return nil, collaboratorErr("ProductToAtc", nil, err)
		}
		if code != "" {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

func sortedCodes(codes map[string]struct{}) []string {
	out := make([]string, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
