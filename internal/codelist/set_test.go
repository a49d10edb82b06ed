package codelist_test

import (
	"reflect"
	"testing"

	"github.com/wardle/codelists/internal/codelist"
)

func TestConceptSetAlgebra(t *testing.T) {
	a := codelist.NewConceptSet(1, 2, 3)
	b := codelist.NewConceptSet(3, 4)

	assertSet(t, a.Union(b), 1, 2, 3, 4)
	assertSet(t, a.Intersect(b), 3)
	assertSet(t, a.Difference(b), 1, 2)
	assertSet(t, b.Difference(a), 4)

	// Operands are never mutated.
	assertSet(t, a, 1, 2, 3)
	assertSet(t, b, 3, 4)

	empty := codelist.NewConceptSet()
	assertSet(t, a.Union(empty), 1, 2, 3)
	assertSet(t, a.Intersect(empty))
	assertSet(t, a.Difference(a))
}

func TestConceptSetBasics(t *testing.T) {
	s := codelist.NewConceptSet(5, 5, 7)
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2 after dedup", s.Len())
	}
	if !s.Contains(7) || s.Contains(6) {
		t.Error("membership lookup wrong")
	}
	if s.IsEmpty() {
		t.Error("non-empty set reported empty")
	}

	s.Add(6)
	if !s.Contains(6) {
		t.Error("Add did not insert")
	}

	clone := s.Clone()
	clone.Add(99)
	if s.Contains(99) {
		t.Error("mutating a clone leaked into the original")
	}
}

func TestConceptSetEqual(t *testing.T) {
	a := codelist.NewConceptSet(1, 2)
	if !a.Equal(codelist.NewConceptSet(2, 1)) {
		t.Error("order must not matter")
	}
	if a.Equal(codelist.NewConceptSet(1)) || a.Equal(codelist.NewConceptSet(1, 2, 3)) {
		t.Error("subset compared equal")
	}
	if !codelist.NewConceptSet().Equal(codelist.NewConceptSet()) {
		t.Error("empty sets must be equal")
	}
}

func TestConceptSetSlice(t *testing.T) {
	got := codelist.NewConceptSet(9468801000001111, 3, 108537001, 1).Slice()
	want := []int64{1, 3, 108537001, 9468801000001111}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Slice = %v, want ascending %v", got, want)
	}
	if len(codelist.NewConceptSet().Slice()) != 0 {
		t.Error("empty set must yield an empty slice")
	}
}

func TestUnionAll(t *testing.T) {
	sets := []codelist.ConceptSet{
		codelist.NewConceptSet(1, 2),
		codelist.NewConceptSet(2, 3),
		codelist.NewConceptSet(),
	}
	assertSet(t, codelist.UnionAll(sets), 1, 2, 3)
	assertSet(t, codelist.UnionAll(nil))
}

func TestIntersectAll(t *testing.T) {
	sets := []codelist.ConceptSet{
		codelist.NewConceptSet(1, 2, 3),
		codelist.NewConceptSet(2, 3, 4),
		codelist.NewConceptSet(3, 4, 5),
	}
	assertSet(t, codelist.IntersectAll(sets), 3)
	assertSet(t, codelist.IntersectAll(nil))

	// A single operand is copied, not aliased.
	only := codelist.NewConceptSet(1)
	out := codelist.IntersectAll([]codelist.ConceptSet{only})
	out.Add(2)
	assertSet(t, only, 1)
}
