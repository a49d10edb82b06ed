// Package postgres provides PostgreSQL infrastructure: a terminology and
// drug-product store, the bulk-job repository, and the transactional outbox
// used for reliable audit and job-event publishing.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wardle/codelists/internal/codelist"
	"github.com/wardle/codelists/internal/terminology"
)

// Store implements codelist.Graph, codelist.ExpressionFilter and
// codelist.DrugService against a PostgreSQL terminology schema. Hierarchy
// walks run as recursive CTEs so expansion cost stays on the database.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a store over an existing connection pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// ExpandExpression evaluates an expression against the stored hierarchy.
// Raw expansion yields active concepts only; enabling includeHistoric closes
// the result under historical associations.
func (s *Store) ExpandExpression(ctx context.Context, expr string, includeHistoric bool) (codelist.ConceptSet, error) {
	constraints, err := terminology.ParseExpression(expr)
	if err != nil {
		return nil, err
	}

	var selfIDs, rootIDs []int64
	for _, c := range constraints {
		if c.Op == terminology.OpSelf || c.Op == terminology.OpDescendantsOrSelf {
			selfIDs = append(selfIDs, c.ConceptID)
		}
		if c.Op == terminology.OpDescendants || c.Op == terminology.OpDescendantsOrSelf {
			rootIDs = append(rootIDs, c.ConceptID)
		}
	}

	out := make(codelist.ConceptSet)
	if len(selfIDs) > 0 {
		rows, err := s.pool.Query(ctx,
			`SELECT id FROM concept WHERE id = ANY($1) AND active`, selfIDs)
		if err != nil {
			return nil, fmt.Errorf("expand self clauses: %w", err)
		}
		if err := scanIDsInto(rows, out); err != nil {
			return nil, err
		}
	}
	if len(rootIDs) > 0 {
		rows, err := s.pool.Query(ctx, `
			WITH RECURSIVE sub(id) AS (
				SELECT r.source_id FROM relationship r
				WHERE r.destination_id = ANY($1) AND r.type_id = $2
				UNION
				SELECT r.source_id FROM relationship r
				JOIN sub s ON r.destination_id = s.id AND r.type_id = $2
			)
			SELECT c.id FROM concept c JOIN sub ON c.id = sub.id WHERE c.active
		`, rootIDs, codelist.RelationshipIsA)
		if err != nil {
			return nil, fmt.Errorf("expand descendant clauses: %w", err)
		}
		if err := scanIDsInto(rows, out); err != nil {
			return nil, err
		}
	}

	if includeHistoric {
		return s.WithHistorical(ctx, out)
	}
	return out, nil
}

// FilterExpression returns the subset of ids matched by the raw expansion of
// an expression. Instead of expanding the whole expression it walks upwards
// from the candidates, so cost follows the candidate count, not the
// hierarchy size.
func (s *Store) FilterExpression(ctx context.Context, expr string, ids []int64) (codelist.ConceptSet, error) {
	constraints, err := terminology.ParseExpression(expr)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return make(codelist.ConceptSet), nil
	}

	active := make(codelist.ConceptSet)
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM concept WHERE id = ANY($1) AND active`, ids)
	if err != nil {
		return nil, fmt.Errorf("filter candidates: %w", err)
	}
	if err := scanIDsInto(rows, active); err != nil {
		return nil, err
	}

	// One ancestor query covers every candidate; (root, ancestor) pairs let
	// each candidate be checked independently.
	ancestors := make(map[int64]codelist.ConceptSet)
	rows, err = s.pool.Query(ctx, `
		WITH RECURSIVE anc(root_id, ancestor_id) AS (
			SELECT r.source_id, r.destination_id FROM relationship r
			WHERE r.source_id = ANY($1) AND r.type_id = $2
			UNION
			SELECT a.root_id, r.destination_id FROM relationship r
			JOIN anc a ON r.source_id = a.ancestor_id AND r.type_id = $2
		)
		SELECT root_id, ancestor_id FROM anc
	`, ids, codelist.RelationshipIsA)
	if err != nil {
		return nil, fmt.Errorf("filter ancestors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var root, ancestor int64
		if err := rows.Scan(&root, &ancestor); err != nil {
			return nil, err
		}
		set := ancestors[root]
		if set == nil {
			set = make(codelist.ConceptSet)
			ancestors[root] = set
		}
		set[ancestor] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(codelist.ConceptSet)
	for id := range active {
		for _, c := range constraints {
			switch c.Op {
			case terminology.OpSelf:
				if id == c.ConceptID {
					out[id] = struct{}{}
				}
			case terminology.OpDescendants:
				if ancestors[id].Contains(c.ConceptID) {
					out[id] = struct{}{}
				}
			case terminology.OpDescendantsOrSelf:
				if id == c.ConceptID || ancestors[id].Contains(c.ConceptID) {
					out[id] = struct{}{}
				}
			}
		}
	}
	return out, nil
}

// ReverseMapWildcard returns the components of a refset whose payload in the
// named field prefix-matches the pattern.
func (s *Store) ReverseMapWildcard(ctx context.Context, refsetID int64, field, pattern string) (codelist.ConceptSet, error) {
	if field != codelist.FieldMapTarget {
		return nil, fmt.Errorf("unsupported refset field %q", field)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT component_id FROM refset_member
		WHERE refset_id = $1 AND map_target <> '' AND map_target LIKE $2
	`, refsetID, likePrefix(pattern))
	if err != nil {
		return nil, fmt.Errorf("reverse map query: %w", err)
	}
	out := make(codelist.ConceptSet)
	if err := scanIDsInto(rows, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WithHistorical closes a set under historical-equivalence associations.
// The closure is symmetric: replaced and replacement concepts pull each
// other in regardless of which side the association row names first.
func (s *Store) WithHistorical(ctx context.Context, set codelist.ConceptSet) (codelist.ConceptSet, error) {
	if set.IsEmpty() {
		return make(codelist.ConceptSet), nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE linked(id) AS (
			SELECT unnest($1::bigint[])
			UNION
			SELECT a.target_id FROM historical_association a JOIN linked l ON a.source_id = l.id
			UNION
			SELECT a.source_id FROM historical_association a JOIN linked l ON a.target_id = l.id
		)
		SELECT DISTINCT id FROM linked
	`, set.Slice())
	if err != nil {
		return nil, fmt.Errorf("historical closure: %w", err)
	}
	out := make(codelist.ConceptSet)
	if err := scanIDsInto(rows, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ComponentRefsetItems returns the refset rows referencing one concept.
func (s *Store) ComponentRefsetItems(ctx context.Context, conceptID, refsetID int64) ([]codelist.RefsetItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT refset_id, component_id, map_target FROM refset_member
		WHERE component_id = $1 AND refset_id = $2
	`, conceptID, refsetID)
	if err != nil {
		return nil, fmt.Errorf("refset items query: %w", err)
	}
	defer rows.Close()

	var items []codelist.RefsetItem
	for rows.Next() {
		var item codelist.RefsetItem
		if err := rows.Scan(&item.RefsetID, &item.ReferencedComponentID, &item.MapTarget); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AllParents returns the transitive is-a ancestors of a concept.
func (s *Store) AllParents(ctx context.Context, conceptID int64) (codelist.ConceptSet, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE anc(id) AS (
			SELECT r.destination_id FROM relationship r
			WHERE r.source_id = $1 AND r.type_id = $2
			UNION
			SELECT r.destination_id FROM relationship r
			JOIN anc a ON r.source_id = a.id AND r.type_id = $2
		)
		SELECT id FROM anc
	`, conceptID, codelist.RelationshipIsA)
	if err != nil {
		return nil, fmt.Errorf("ancestors query: %w", err)
	}
	out := make(codelist.ConceptSet)
	if err := scanIDsInto(rows, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChildRelationshipsOfType returns the immediate children of a concept
// related by the given relationship type.
func (s *Store) ChildRelationshipsOfType(ctx context.Context, conceptID, typeID int64) (codelist.ConceptSet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id FROM relationship WHERE destination_id = $1 AND type_id = $2`,
		conceptID, typeID)
	if err != nil {
		return nil, fmt.Errorf("children query: %w", err)
	}
	out := make(codelist.ConceptSet)
	if err := scanIDsInto(rows, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConceptTerm returns the concept's label.
func (s *Store) ConceptTerm(ctx context.Context, conceptID int64) (string, error) {
	var term string
	err := s.pool.QueryRow(ctx,
		`SELECT term FROM concept WHERE id = $1`, conceptID).Scan(&term)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("concept %d: %w", conceptID, terminology.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("concept term query: %w", err)
	}
	return term, nil
}

// ReleaseMetadata returns the imported release descriptor, or the empty
// string when no release has been imported.
func (s *Store) ReleaseMetadata(ctx context.Context) (string, error) {
	var descriptor string
	err := s.pool.QueryRow(ctx,
		`SELECT descriptor FROM terminology_release WHERE id = 1`).Scan(&descriptor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("release query: %w", err)
	}
	return descriptor, nil
}

// ProductsForPattern returns the products whose classification code matches
// the pattern, bucketed by granularity. Packaging-level rows are excluded in
// the query itself.
func (s *Store) ProductsForPattern(ctx context.Context, pattern string) (codelist.ProductGroups, error) {
	groups := codelist.ProductGroups{
		Molecules:       make(codelist.ConceptSet),
		GenericProducts: make(codelist.ConceptSet),
		BrandedProducts: make(codelist.ConceptSet),
	}
	rows, err := s.pool.Query(ctx, `
		SELECT concept_id, kind FROM product
		WHERE atc <> '' AND atc LIKE $1 AND kind <> 'pack'
	`, likePrefix(pattern))
	if err != nil {
		return groups, fmt.Errorf("products query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return groups, err
		}
		switch kind {
		case "molecule":
			groups.Molecules[id] = struct{}{}
		case "generic":
			groups.GenericProducts[id] = struct{}{}
		case "branded":
			groups.BrandedProducts[id] = struct{}{}
		}
	}
	return groups, rows.Err()
}

// ProductToAtc returns a product's classification code, or the empty string
// when the concept carries no direct mapping. Packs carry no direct mapping;
// classification attaches at product level, not dispensing level.
func (s *Store) ProductToAtc(ctx context.Context, conceptID int64) (string, error) {
	var atc string
	err := s.pool.QueryRow(ctx,
		`SELECT atc FROM product WHERE concept_id = $1 AND kind <> 'pack'`, conceptID).Scan(&atc)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("product atc query: %w", err)
	}
	return atc, nil
}

func scanIDsInto(rows pgx.Rows, out codelist.ConceptSet) error {
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		out[id] = struct{}{}
	}
	return rows.Err()
}

// likePrefix converts a wildcard pattern (trailing '*' optional) into a LIKE
// prefix pattern, escaping LIKE metacharacters in the literal part.
func likePrefix(pattern string) string {
	p := strings.TrimSuffix(pattern, "*")
	p = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(p)
	return p + "%"
}

var _ codelist.Graph = (*Store)(nil)
var _ codelist.ExpressionFilter = (*Store)(nil)
var _ codelist.DrugService = (*Store)(nil)
