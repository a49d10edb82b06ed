package codelist

import (
	"context"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Translator turns a drug-classification pattern into an expression-language
// query covering the matching products. It emits descendant-or-self clauses
// over molecule, generic-product and trade-family identifiers; branded
// products are covered through their trade families rather than listed
// individually. Packaging-level products are never included: packs are
// dispensing units, not drugs.
type Translator struct {
	graph  Graph
	drugs  DrugService
	logger *zap.Logger
	tracer trace.Tracer
}

// NewTranslator creates a Translator over the two collaborator handles.
func NewTranslator(graph Graph, drugs DrugService, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{
		graph:  graph,
		drugs:  drugs,
		logger: logger,
		tracer: otel.Tracer("codelist-translator"),
	}
}

// Translate resolves a drug-classification pattern to an expression string.
// The empty string is the "no matching products" sentinel, which callers
// treat as an empty set rather than an error.
func (t *Translator) Translate(ctx context.Context, pattern string) (string, error) {
	ctx, span := t.tracer.Start(ctx, "translate_atc",
		trace.WithAttributes(attribute.String("pattern", pattern)))
	defer span.End()

	leaf := &Leaf{System: SystemATC, Patterns: []string{pattern}}
	groups, err := t.drugs.ProductsForPattern(ctx, pattern)
	if err != nil {
		span.RecordError(err)
		return "", collaboratorErr("ProductsForPattern", leaf, err)
	}

	ids := groups.Molecules.Union(groups.GenericProducts)
	families, err := t.tradeFamilies(ctx, leaf, groups.BrandedProducts)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	for id := range families {
		ids[id] = struct{}{}
	}
	if ids.IsEmpty() {
		t.logger.Debug("no products for drug-classification pattern", zap.String("pattern", pattern))
		return "", nil
	}

	var b strings.Builder
	for i, id := range ids.Slice() {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("<<")
		b.WriteString(strconv.FormatInt(id, 10))
	}
	span.SetAttributes(attribute.Int("clause_count", ids.Len()))
	return b.String(), nil
}

// tradeFamilies walks each branded product's ancestor closure and keeps the
// ancestors that are members of the trade-family reference set. Membership
// lookups are memoized per call; branded products under one family share
// most of their ancestry.
func (t *Translator) tradeFamilies(ctx context.Context, leaf *Leaf, branded ConceptSet) (ConceptSet, error) {
	out := make(ConceptSet)
	memo := make(map[int64]bool)
	for id := range branded {
		parents, err := t.graph.AllParents(ctx, id)
		if err != nil {
			return nil, collaboratorErr("AllParents", leaf, err)
		}
		for parent := range parents {
			member, seen := memo[parent]
			if !seen {
				items, err := t.graph.ComponentRefsetItems(ctx, parent, RefsetTradeFamily)
				if err != nil {
					return nil, collaboratorErr("ComponentRefsetItems", leaf, err)
				}
				member = len(items) > 0
				memo[parent] = member
			}
			if member {
				out[parent] = struct{}{}
			}
		}
	}
	return out, nil
}
