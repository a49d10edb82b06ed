package codelist

import "context"

// Well-known SNOMED CT identifiers used by the resolution algebra.
const (
	// RefsetICD10ComplexMap is the ICD-10 complex map reference set used for
	// diagnosis cross-mapping in both directions.
	RefsetICD10ComplexMap int64 = 447562003
	// RefsetTradeFamily marks concepts that are trade-family products.
	RefsetTradeFamily int64 = 999000631000001100
	// RelationshipIsA is the subsumption relationship type.
	RelationshipIsA int64 = 116680003
	// FieldMapTarget names the refset payload field carrying a mapped code.
	FieldMapTarget = "mapTarget"
)

// RefsetItem is a single reference-set membership row with its payload.
type RefsetItem struct {
	RefsetID              int64
	ReferencedComponentID int64
	MapTarget             string
}

// ProductGroups holds the product identifiers matching a drug-classification
// pattern, split by granularity. Packaging-level products are never included.
type ProductGroups struct {
	Molecules       ConceptSet
	GenericProducts ConceptSet
	BrandedProducts ConceptSet
}

// Graph is the read-only terminology collaborator. Implementations must be
// safe for concurrent use; every query is a pure function of the underlying
// terminology snapshot.
type Graph interface {
	// ExpandExpression evaluates an expression-language constraint, optionally
	// closing the result under historical-equivalence associations.
	ExpandExpression(ctx context.Context, expr string, includeHistoric bool) (ConceptSet, error)

	// ReverseMapWildcard returns the concepts whose refset entry carries a
	// payload in the named field matching the pattern. Matching is by prefix;
	// a trailing '*' on the pattern is stripped first.
	ReverseMapWildcard(ctx context.Context, refsetID int64, field, pattern string) (ConceptSet, error)

	// WithHistorical closes a set under historical-equivalence associations,
	// in both directions, to a fixpoint.
	WithHistorical(ctx context.Context, set ConceptSet) (ConceptSet, error)

	// ComponentRefsetItems returns the refset rows referencing a concept
	// within one reference set. Empty result means not a member.
	ComponentRefsetItems(ctx context.Context, conceptID, refsetID int64) ([]RefsetItem, error)

	// AllParents returns the transitive is-a ancestors of a concept.
	AllParents(ctx context.Context, conceptID int64) (ConceptSet, error)

	// ChildRelationshipsOfType returns the immediate children of a concept
	// related by the given relationship type.
	ChildRelationshipsOfType(ctx context.Context, conceptID, typeID int64) (ConceptSet, error)

	// ConceptTerm returns a human-readable label for a concept.
	ConceptTerm(ctx context.Context, conceptID int64) (string, error)

	// ReleaseMetadata returns an opaque descriptor of the loaded terminology
	// release. It is stamped on results and never interpreted.
	ReleaseMetadata(ctx context.Context) (string, error)
}

// ExpressionFilter is an optional fast path a Graph may provide: it returns
// the subset of ids matched by an expression without materializing the full
// expansion. The classifier falls back to ExpandExpression when absent.
type ExpressionFilter interface {
	FilterExpression(ctx context.Context, expr string, ids []int64) (ConceptSet, error)
}

// DrugService is the read-only drug-product collaborator mapping between
// drug-classification codes and product concepts. Implementations must be
// safe for concurrent use.
type DrugService interface {
	// ProductsForPattern returns the products whose classification code
	// matches the pattern, split by granularity.
	ProductsForPattern(ctx context.Context, pattern string) (ProductGroups, error)

	// ProductToAtc returns the classification code for a product, or the
	// empty string when the product carries no mapping. Trade-family
	// concepts and packaging-level products cannot be mapped directly and
	// always yield the empty string.
	ProductToAtc(ctx context.Context, conceptID int64) (string, error)
}
