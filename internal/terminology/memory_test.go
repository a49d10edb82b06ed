package terminology

import (
	"context"
	"errors"
	"testing"

	"github.com/wardle/codelists/internal/codelist"
)

// newHierarchyStore builds a small graph:
//
//	1 <- 2 <- 3 <- 6
//	          ^
//	4 (inactive, associated with 3), 5 (inactive, associated with 4)
//
// Concept 6 also has 7 as a second parent, and 8 hangs off 3 through a
// non-subsumption relationship type 99.
func newHierarchyStore() *Store {
	s := NewStore("DEMO")
	s.AddConcept(1, "root", true)
	s.AddConcept(2, "branch", true, 1)
	s.AddConcept(3, "leaf", true, 2)
	s.AddConcept(7, "other branch", true, 1)
	s.AddConcept(6, "grandchild", true, 3, 7)
	s.AddConcept(4, "retired leaf", false)
	s.AddConcept(5, "older retired leaf", false)
	s.AddAssociation(4, 3)
	s.AddAssociation(5, 4)
	s.AddConcept(8, "attachment", true)
	s.AddRelationship(99, 8, 3)
	return s
}

func TestStoreExpandExpression(t *testing.T) {
	s := newHierarchyStore()
	ctx := context.Background()

	set, err := s.ExpandExpression(ctx, "<<2", false)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !set.Equal(codelist.NewConceptSet(2, 3, 6)) {
		t.Errorf("raw expansion = %v, inactive and non-subsumption members must be absent", set.Slice())
	}

	set, err = s.ExpandExpression(ctx, "<<2", true)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	// The historical closure pulls in the retired chain transitively.
	if !set.Equal(codelist.NewConceptSet(2, 3, 6, 4, 5)) {
		t.Errorf("historic expansion = %v", set.Slice())
	}

	set, err = s.ExpandExpression(ctx, "<2", false)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !set.Equal(codelist.NewConceptSet(3, 6)) {
		t.Errorf("descendants = %v, want [3 6]", set.Slice())
	}

	if _, err := s.ExpandExpression(ctx, "<<2 AND <<3", false); err == nil {
		t.Error("expected error for unsupported grammar")
	}
}

func TestStoreFilterExpression(t *testing.T) {
	s := newHierarchyStore()
	set, err := s.FilterExpression(context.Background(), "<<2", []int64{3, 7, 42})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if !set.Equal(codelist.NewConceptSet(3)) {
		t.Errorf("filter = %v, want [3]", set.Slice())
	}
}

func TestStoreReverseMapWildcard(t *testing.T) {
	s := NewStore("DEMO")
	s.AddConcept(10, "a", true)
	s.AddConcept(11, "b", true)
	s.AddConcept(12, "c", true)
	s.AddRefsetItem(100, 10, "G35")
	s.AddRefsetItem(100, 11, "G36.0")
	s.AddRefsetItem(100, 12, "")
	ctx := context.Background()

	cases := []struct {
		pattern string
		want    []int64
	}{
		{"G35", []int64{10}},
		{"G3", []int64{10, 11}},
		{"G36*", []int64{11}},
		{"H10", nil},
	}
	for _, tc := range cases {
		set, err := s.ReverseMapWildcard(ctx, 100, codelist.FieldMapTarget, tc.pattern)
		if err != nil {
			t.Fatalf("reverse map %q: %v", tc.pattern, err)
		}
		if !set.Equal(codelist.NewConceptSet(tc.want...)) {
			t.Errorf("reverse map %q = %v, want %v", tc.pattern, set.Slice(), tc.want)
		}
	}

	if _, err := s.ReverseMapWildcard(ctx, 100, "displayName", "G35"); err == nil {
		t.Error("expected error for unsupported field")
	}
}

func TestStoreHistoricalClosure(t *testing.T) {
	s := newHierarchyStore()
	set, err := s.WithHistorical(context.Background(), codelist.NewConceptSet(3))
	if err != nil {
		t.Fatalf("historical: %v", err)
	}
	if !set.Equal(codelist.NewConceptSet(3, 4, 5)) {
		t.Errorf("closure = %v, want the full chain [3 4 5]", set.Slice())
	}

	// The adjacency is symmetric: starting from the oldest entry finds the
	// active one.
	set, err = s.WithHistorical(context.Background(), codelist.NewConceptSet(5))
	if err != nil {
		t.Fatalf("historical: %v", err)
	}
	if !set.Equal(codelist.NewConceptSet(3, 4, 5)) {
		t.Errorf("closure from retired entry = %v", set.Slice())
	}
}

func TestStoreAllParents(t *testing.T) {
	s := newHierarchyStore()
	set, err := s.AllParents(context.Background(), 6)
	if err != nil {
		t.Fatalf("parents: %v", err)
	}
	if !set.Equal(codelist.NewConceptSet(3, 2, 1, 7)) {
		t.Errorf("ancestors of 6 = %v, want both parent paths", set.Slice())
	}
}

func TestStoreChildRelationshipsOfType(t *testing.T) {
	s := newHierarchyStore()
	ctx := context.Background()

	set, err := s.ChildRelationshipsOfType(ctx, 3, codelist.RelationshipIsA)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if !set.Equal(codelist.NewConceptSet(6)) {
		t.Errorf("is-a children of 3 = %v, want [6]", set.Slice())
	}

	set, err = s.ChildRelationshipsOfType(ctx, 3, 99)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if !set.Equal(codelist.NewConceptSet(8)) {
		t.Errorf("type-99 children of 3 = %v, want [8]", set.Slice())
	}
}

func TestStoreConceptTerm(t *testing.T) {
	s := newHierarchyStore()
	term, err := s.ConceptTerm(context.Background(), 3)
	if err != nil {
		t.Fatalf("term: %v", err)
	}
	if term != "leaf" {
		t.Errorf("term = %q, want leaf", term)
	}

	_, err = s.ConceptTerm(context.Background(), 404)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreProducts(t *testing.T) {
	s := NewStore("DEMO")
	s.AddProduct(20, ProductMolecule, "C08CA01")
	s.AddProduct(21, ProductGeneric, "C08CA01")
	s.AddProduct(22, ProductBranded, "C08CA01")
	s.AddProduct(23, ProductPack, "C08CA01")
	s.AddProduct(24, ProductMolecule, "")
	ctx := context.Background()

	groups, err := s.ProductsForPattern(ctx, "C08")
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if !groups.Molecules.Equal(codelist.NewConceptSet(20)) {
		t.Errorf("molecules = %v", groups.Molecules.Slice())
	}
	if !groups.GenericProducts.Equal(codelist.NewConceptSet(21)) {
		t.Errorf("generics = %v", groups.GenericProducts.Slice())
	}
	if !groups.BrandedProducts.Equal(codelist.NewConceptSet(22)) {
		t.Errorf("branded = %v", groups.BrandedProducts.Slice())
	}

	atc, err := s.ProductToAtc(ctx, 22)
	if err != nil {
		t.Fatalf("product atc: %v", err)
	}
	if atc != "C08CA01" {
		t.Errorf("atc = %q", atc)
	}

	// Packs and unknown concepts carry no direct mapping.
	for _, id := range []int64{23, 404} {
		atc, err := s.ProductToAtc(ctx, id)
		if err != nil {
			t.Fatalf("product atc %d: %v", id, err)
		}
		if atc != "" {
			t.Errorf("ProductToAtc(%d) = %q, want empty", id, atc)
		}
	}
}

func TestStoreRelease(t *testing.T) {
	release, err := NewStore("2026-08 UK drug extension").ReleaseMetadata(context.Background())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if release != "2026-08 UK drug extension" {
		t.Errorf("release = %q", release)
	}

	release, _ = NewStore("").ReleaseMetadata(context.Background())
	if release != "in-memory snapshot" {
		t.Errorf("default release = %q", release)
	}
}

func TestStoreRespectsContext(t *testing.T) {
	s := newHierarchyStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.ExpandExpression(ctx, "<<1", false); !errors.Is(err, context.Canceled) {
		t.Errorf("ExpandExpression: expected context.Canceled, got %v", err)
	}
	if _, err := s.WithHistorical(ctx, codelist.NewConceptSet(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("WithHistorical: expected context.Canceled, got %v", err)
	}
	if _, err := s.ProductsForPattern(ctx, "C08"); !errors.Is(err, context.Canceled) {
		t.Errorf("ProductsForPattern: expected context.Canceled, got %v", err)
	}
}
