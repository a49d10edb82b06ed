package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/wardle/codelists/internal/codelist"
)

// ErrNotFound is returned when a concept is absent from the loaded snapshot.
var ErrNotFound = errors.New("terminology: concept not found")

// ProductKind is the granularity of a drug product.
type ProductKind int

const (
	// ProductMolecule is an active-ingredient level product (VTM).
	ProductMolecule ProductKind = iota
	// ProductGeneric is a generic product (VMP).
	ProductGeneric
	// ProductBranded is a branded product (AMP).
	ProductBranded
	// ProductPack is a packaging-level entry (VMPP/AMPP). Packs carry
	// classification codes in source data but are dispensing units, not
	// drugs, and are never returned from pattern queries.
	ProductPack
)

type conceptEntry struct {
	term   string
	active bool
}

type productEntry struct {
	kind ProductKind
	atc  string
}

// Store is an in-memory terminology and drug-product snapshot implementing
// codelist.Graph, codelist.ExpressionFilter and codelist.DrugService. It
// backs tests, demos and small self-contained deployments.
//
// Populate the store fully before serving; reads take no locks and are safe
// for any number of concurrent evaluations once loading has finished.
type Store struct {
	release    string
	concepts   map[int64]conceptEntry
	parentsOf  map[int64][]int64           // concept -> direct is-a parents
	childrenOf map[int64]map[int64][]int64 // concept -> relationship type -> direct children
	refsets    map[int64]map[int64][]codelist.RefsetItem
	assoc      map[int64][]int64 // symmetric historical-association adjacency
	products   map[int64]productEntry
}

// NewStore creates an empty snapshot carrying the given release descriptor.
func NewStore(release string) *Store {
	if release == "" {
		release = "in-memory snapshot"
	}
	return &Store{
		release:    release,
		concepts:   make(map[int64]conceptEntry),
		parentsOf:  make(map[int64][]int64),
		childrenOf: make(map[int64]map[int64][]int64),
		refsets:    make(map[int64]map[int64][]codelist.RefsetItem),
		assoc:      make(map[int64][]int64),
		products:   make(map[int64]productEntry),
	}
}

// AddConcept registers a concept and its direct is-a parents.
func (s *Store) AddConcept(id int64, term string, active bool, parents ...int64) {
	s.concepts[id] = conceptEntry{term: term, active: active}
	for _, parent := range parents {
		s.AddRelationship(codelist.RelationshipIsA, id, parent)
	}
}

// AddRelationship records a (source, type, destination) relationship row.
func (s *Store) AddRelationship(typeID, sourceID, destinationID int64) {
	if typeID == codelist.RelationshipIsA {
		s.parentsOf[sourceID] = append(s.parentsOf[sourceID], destinationID)
	}
	byType := s.childrenOf[destinationID]
	if byType == nil {
		byType = make(map[int64][]int64)
		s.childrenOf[destinationID] = byType
	}
	byType[typeID] = append(byType[typeID], sourceID)
}

// AddRefsetItem records reference-set membership with an optional mapped
// code payload; pass an empty mapTarget for plain membership refsets.
func (s *Store) AddRefsetItem(refsetID, componentID int64, mapTarget string) {
	members := s.refsets[refsetID]
	if members == nil {
		members = make(map[int64][]codelist.RefsetItem)
		s.refsets[refsetID] = members
	}
	members[componentID] = append(members[componentID], codelist.RefsetItem{
		RefsetID:              refsetID,
		ReferencedComponentID: componentID,
		MapTarget:             mapTarget,
	})
}

// AddAssociation records a historical-equivalence association. The adjacency
// is kept symmetric so closure behaves identically from either side.
func (s *Store) AddAssociation(sourceID, targetID int64) {
	s.assoc[sourceID] = append(s.assoc[sourceID], targetID)
	s.assoc[targetID] = append(s.assoc[targetID], sourceID)
}

// AddProduct registers a drug product's granularity and classification code.
func (s *Store) AddProduct(id int64, kind ProductKind, atc string) {
	s.products[id] = productEntry{kind: kind, atc: atc}
}

// ExpandExpression evaluates an expression against the snapshot. Raw
// expansion yields active concepts only; enabling includeHistoric closes the
// result under historical associations, pulling in inactive equivalents.
func (s *Store) ExpandExpression(ctx context.Context, expr string, includeHistoric bool) (codelist.ConceptSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set, err := s.expand(expr)
	if err != nil {
		return nil, err
	}
	if includeHistoric {
		return s.historicalClosure(set), nil
	}
	return set, nil
}

// FilterExpression returns the subset of ids matched by the raw expansion of
// an expression. It implements codelist.ExpressionFilter.
func (s *Store) FilterExpression(ctx context.Context, expr string, ids []int64) (codelist.ConceptSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set, err := s.expand(expr)
	if err != nil {
		return nil, err
	}
	return set.Intersect(codelist.NewConceptSet(ids...)), nil
}

func (s *Store) expand(expr string) (codelist.ConceptSet, error) {
	constraints, err := ParseExpression(expr)
	if err != nil {
		return nil, err
	}
	out := make(codelist.ConceptSet)
	for _, c := range constraints {
		if c.Op == OpSelf || c.Op == OpDescendantsOrSelf {
			if entry, ok := s.concepts[c.ConceptID]; ok && entry.active {
				out[c.ConceptID] = struct{}{}
			}
		}
		if c.Op == OpDescendants || c.Op == OpDescendantsOrSelf {
			s.collectDescendants(c.ConceptID, out, make(map[int64]bool))
		}
	}
	return out, nil
}

func (s *Store) collectDescendants(id int64, out codelist.ConceptSet, visited map[int64]bool) {
	for _, child := range s.childrenOf[id][codelist.RelationshipIsA] {
		if visited[child] {
			continue
		}
		visited[child] = true
		if entry, ok := s.concepts[child]; ok && entry.active {
			out[child] = struct{}{}
		}
		s.collectDescendants(child, out, visited)
	}
}

// ReverseMapWildcard returns the components of a refset whose payload in the
// named field prefix-matches the pattern.
func (s *Store) ReverseMapWildcard(ctx context.Context, refsetID int64, field, pattern string) (codelist.ConceptSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if field != codelist.FieldMapTarget {
		return nil, fmt.Errorf("unsupported refset field %q", field)
	}
	out := make(codelist.ConceptSet)
	for component, items := range s.refsets[refsetID] {
		for _, item := range items {
			if item.MapTarget != "" && codelist.MatchesPattern(pattern, item.MapTarget) {
				out[component] = struct{}{}
				break
			}
		}
	}
	return out, nil
}

// WithHistorical closes a set under historical-equivalence associations.
func (s *Store) WithHistorical(ctx context.Context, set codelist.ConceptSet) (codelist.ConceptSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.historicalClosure(set), nil
}

func (s *Store) historicalClosure(set codelist.ConceptSet) codelist.ConceptSet {
	out := set.Clone()
	queue := set.Slice()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, linked := range s.assoc[id] {
			if !out.Contains(linked) {
				out[linked] = struct{}{}
				queue = append(queue, linked)
			}
		}
	}
	return out
}

// ComponentRefsetItems returns the refset rows referencing one concept.
func (s *Store) ComponentRefsetItems(ctx context.Context, conceptID, refsetID int64) ([]codelist.RefsetItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := s.refsets[refsetID][conceptID]
	return append([]codelist.RefsetItem(nil), items...), nil
}

// AllParents returns the transitive is-a ancestors of a concept.
func (s *Store) AllParents(ctx context.Context, conceptID int64) (codelist.ConceptSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(codelist.ConceptSet)
	s.collectAncestors(conceptID, out)
	return out, nil
}

func (s *Store) collectAncestors(id int64, out codelist.ConceptSet) {
	for _, parent := range s.parentsOf[id] {
		if out.Contains(parent) {
			continue
		}
		out[parent] = struct{}{}
		s.collectAncestors(parent, out)
	}
}

// ChildRelationshipsOfType returns the immediate children of a concept
// related by the given relationship type.
func (s *Store) ChildRelationshipsOfType(ctx context.Context, conceptID, typeID int64) (codelist.ConceptSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return codelist.NewConceptSet(s.childrenOf[conceptID][typeID]...), nil
}

// ConceptTerm returns the concept's label.
func (s *Store) ConceptTerm(ctx context.Context, conceptID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entry, ok := s.concepts[conceptID]
	if !ok {
		return "", fmt.Errorf("concept %d: %w", conceptID, ErrNotFound)
	}
	return entry.term, nil
}

// ReleaseMetadata returns the snapshot's release descriptor.
func (s *Store) ReleaseMetadata(ctx context.Context) (string, error) {
	return s.release, nil
}

// ProductsForPattern returns the products whose classification code matches
// the pattern, bucketed by granularity. Packaging-level products are
// deliberately skipped.
func (s *Store) ProductsForPattern(ctx context.Context, pattern string) (codelist.ProductGroups, error) {
	groups := codelist.ProductGroups{
		Molecules:       make(codelist.ConceptSet),
		GenericProducts: make(codelist.ConceptSet),
		BrandedProducts: make(codelist.ConceptSet),
	}
	if err := ctx.Err(); err != nil {
		return groups, err
	}
	for id, product := range s.products {
		if product.atc == "" || !codelist.MatchesPattern(pattern, product.atc) {
			continue
		}
		switch product.kind {
		case ProductMolecule:
			groups.Molecules[id] = struct{}{}
		case ProductGeneric:
			groups.GenericProducts[id] = struct{}{}
		case ProductBranded:
			groups.BrandedProducts[id] = struct{}{}
		case ProductPack:
			// Dispensing units never contribute to expansion.
		}
	}
	return groups, nil
}

// ProductToAtc returns a product's classification code, or the empty string
// when the concept carries no direct mapping. Packs carry no direct mapping;
// classification attaches at product level, not dispensing level.
func (s *Store) ProductToAtc(ctx context.Context, conceptID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	product := s.products[conceptID]
	if product.kind == ProductPack {
		return "", nil
	}
	return product.atc, nil
}
