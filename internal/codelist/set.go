// Package codelist resolves declarative boolean codelist specifications over
// clinical coding systems into concrete sets of concept identifiers, and
// answers the dual membership question without materializing full expansions.
package codelist

import "sort"

// ConceptSet is an unordered, deduplicated set of concept identifiers.
// The algebra methods never mutate their operands; each returns a fresh set.
type ConceptSet map[int64]struct{}

// NewConceptSet builds a set from the given identifiers.
func NewConceptSet(ids ...int64) ConceptSet {
	s := make(ConceptSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts identifiers into the set.
func (s ConceptSet) Add(ids ...int64) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Contains reports whether id is a member.
func (s ConceptSet) Contains(id int64) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of members.
func (s ConceptSet) Len() int { return len(s) }

// IsEmpty reports whether the set has no members.
func (s ConceptSet) IsEmpty() bool { return len(s) == 0 }

// Clone returns an independent copy.
func (s ConceptSet) Clone() ConceptSet {
	out := make(ConceptSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Union returns the members present in either set.
func (s ConceptSet) Union(other ConceptSet) ConceptSet {
	out := make(ConceptSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns the members present in both sets.
func (s ConceptSet) Intersect(other ConceptSet) ConceptSet {
	small, large := s, other
	if len(other) < len(s) {
		small, large = other, s
	}
	out := make(ConceptSet)
	for id := range small {
		if _, ok := large[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Difference returns the members of s not present in other.
func (s ConceptSet) Difference(other ConceptSet) ConceptSet {
	out := make(ConceptSet)
	for id := range s {
		if _, ok := other[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Equal reports set equality.
func (s ConceptSet) Equal(other ConceptSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}

// Slice returns the members sorted ascending, giving a stable wire order.
func (s ConceptSet) Slice() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnionAll folds a union over the given sets.
func UnionAll(sets []ConceptSet) ConceptSet {
	out := make(ConceptSet)
	for _, s := range sets {
		for id := range s {
			out[id] = struct{}{}
		}
	}
	return out
}

// IntersectAll folds an intersection over the given sets. The intersection
// of no sets is empty.
func IntersectAll(sets []ConceptSet) ConceptSet {
	if len(sets) == 0 {
		return make(ConceptSet)
	}
	out := sets[0]
	for _, s := range sets[1:] {
		out = out.Intersect(s)
		if out.IsEmpty() {
			break
		}
	}
	if len(sets) == 1 {
		out = out.Clone()
	}
	return out
}
