package terminology

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wardle/codelists/internal/codelist"
)

// Snapshot is the on-disk JSON form of a terminology release, letting a
// self-contained deployment ship its terminology as a single file. The same
// model feeds both the in-memory store and the PostgreSQL importer.
type Snapshot struct {
	Release       string        `json:"release"`
	Concepts      []Concept     `json:"concepts"`
	Relationships []Relation    `json:"relationships,omitempty"`
	RefsetItems   []RefsetRow   `json:"refset_items,omitempty"`
	Associations  []Association `json:"associations,omitempty"`
	Products      []Product     `json:"products,omitempty"`
}

// Concept is one concept row of a snapshot.
type Concept struct {
	ID   int64  `json:"id"`
	Term string `json:"term"`
	// Inactive defaults to false so snapshot authors only mark the
	// historical entries.
	Inactive bool    `json:"inactive,omitempty"`
	Parents  []int64 `json:"parents,omitempty"`
}

// Relation is one (source, type, destination) relationship row.
type Relation struct {
	Type        int64 `json:"type"`
	Source      int64 `json:"source"`
	Destination int64 `json:"destination"`
}

// RefsetRow is one reference-set membership row.
type RefsetRow struct {
	Refset    int64  `json:"refset"`
	Component int64  `json:"component"`
	MapTarget string `json:"map_target,omitempty"`
}

// Association is one historical-equivalence association row.
type Association struct {
	Source int64 `json:"source"`
	Target int64 `json:"target"`
}

// Product is one drug-product row.
type Product struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"`
	Atc  string `json:"atc"`
}

// ReadSnapshotFile reads and parses a JSON snapshot file.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return snap, nil
}

// BuildStore populates an in-memory Store from a parsed snapshot.
func BuildStore(snap *Snapshot) (*Store, error) {
	store := NewStore(snap.Release)
	for _, c := range snap.Concepts {
		store.AddConcept(c.ID, c.Term, !c.Inactive, c.Parents...)
	}
	for _, r := range snap.Relationships {
		store.AddRelationship(r.Type, r.Source, r.Destination)
	}
	for _, item := range snap.RefsetItems {
		store.AddRefsetItem(item.Refset, item.Component, item.MapTarget)
	}
	for _, a := range snap.Associations {
		store.AddAssociation(a.Source, a.Target)
	}
	for _, p := range snap.Products {
		kind, err := ParseProductKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("snapshot product %d: %w", p.ID, err)
		}
		store.AddProduct(p.ID, kind, p.Atc)
	}
	return store, nil
}

// LoadSnapshot reads a JSON snapshot file into an in-memory Store.
func LoadSnapshot(path string) (*Store, error) {
	snap, err := ReadSnapshotFile(path)
	if err != nil {
		return nil, err
	}
	return BuildStore(snap)
}

// ParseProductKind parses the product-kind labels used in snapshot files and
// the product table.
func ParseProductKind(kind string) (ProductKind, error) {
	switch kind {
	case "molecule":
		return ProductMolecule, nil
	case "generic":
		return ProductGeneric, nil
	case "branded":
		return ProductBranded, nil
	case "pack":
		return ProductPack, nil
	}
	return 0, fmt.Errorf("unknown product kind %q", kind)
}

var _ codelist.Graph = (*Store)(nil)
var _ codelist.ExpressionFilter = (*Store)(nil)
var _ codelist.DrugService = (*Store)(nil)
