package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardle/codelists/internal/codelist"
	"github.com/wardle/codelists/internal/terminology"
)

// schemaStatements creates every table the services use. Statements are
// executed one at a time and are idempotent, so EnsureSchema is safe to run
// on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS concept (
		id BIGINT PRIMARY KEY,
		term TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS relationship (
		source_id BIGINT NOT NULL,
		type_id BIGINT NOT NULL,
		destination_id BIGINT NOT NULL,
		PRIMARY KEY (source_id, type_id, destination_id)
	)`,
	`CREATE INDEX IF NOT EXISTS relationship_destination_idx
		ON relationship (destination_id, type_id)`,
	`CREATE TABLE IF NOT EXISTS refset_member (
		id BIGSERIAL PRIMARY KEY,
		refset_id BIGINT NOT NULL,
		component_id BIGINT NOT NULL,
		map_target TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS refset_member_component_idx
		ON refset_member (component_id, refset_id)`,
	`CREATE INDEX IF NOT EXISTS refset_member_map_idx
		ON refset_member (refset_id, map_target text_pattern_ops)`,
	`CREATE TABLE IF NOT EXISTS historical_association (
		source_id BIGINT NOT NULL,
		target_id BIGINT NOT NULL,
		PRIMARY KEY (source_id, target_id)
	)`,
	`CREATE INDEX IF NOT EXISTS historical_association_target_idx
		ON historical_association (target_id)`,
	`CREATE TABLE IF NOT EXISTS product (
		concept_id BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		atc TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS product_atc_idx
		ON product (atc text_pattern_ops)`,
	`CREATE TABLE IF NOT EXISTS terminology_release (
		id INT PRIMARY KEY CHECK (id = 1),
		descriptor TEXT NOT NULL,
		imported_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS codelist_job (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		spec JSONB NOT NULL,
		identifiers BIGINT[],
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		result JSONB,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS codelist_job_status_idx
		ON codelist_job (status, submitted_at)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		kafka_topic TEXT NOT NULL,
		kafka_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx
		ON outbox (created_at) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name TEXT NOT NULL,
		status TEXT NOT NULL,
		payload JSONB,
		result JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ
	)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ImportSnapshot replaces the stored terminology with the contents of a
// snapshot. The import runs in a single transaction so readers never observe
// a half-loaded release; bulk rows go in via COPY.
func ImportSnapshot(ctx context.Context, pool *pgxpool.Pool, snap *terminology.Snapshot) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		TRUNCATE concept, relationship, refset_member, historical_association, product
	`); err != nil {
		return fmt.Errorf("truncate terminology: %w", err)
	}

	conceptRows := make([][]interface{}, 0, len(snap.Concepts))
	relationRows := make([][]interface{}, 0, len(snap.Relationships))
	seenRelations := make(map[[3]int64]bool)
	addRelation := func(typeID, sourceID, destinationID int64) {
		key := [3]int64{sourceID, typeID, destinationID}
		if seenRelations[key] {
			return
		}
		seenRelations[key] = true
		relationRows = append(relationRows, []interface{}{sourceID, typeID, destinationID})
	}

	for _, c := range snap.Concepts {
		conceptRows = append(conceptRows, []interface{}{c.ID, c.Term, !c.Inactive})
		for _, parent := range c.Parents {
			addRelation(codelist.RelationshipIsA, c.ID, parent)
		}
	}
	for _, r := range snap.Relationships {
		addRelation(r.Type, r.Source, r.Destination)
	}

	refsetRows := make([][]interface{}, 0, len(snap.RefsetItems))
	for _, item := range snap.RefsetItems {
		refsetRows = append(refsetRows, []interface{}{item.Refset, item.Component, item.MapTarget})
	}
	assocRows := make([][]interface{}, 0, len(snap.Associations))
	for _, a := range snap.Associations {
		assocRows = append(assocRows, []interface{}{a.Source, a.Target})
	}
	productRows := make([][]interface{}, 0, len(snap.Products))
	for _, p := range snap.Products {
		if _, err := terminology.ParseProductKind(p.Kind); err != nil {
			return fmt.Errorf("snapshot product %d: %w", p.ID, err)
		}
		productRows = append(productRows, []interface{}{p.ID, p.Kind, p.Atc})
	}

	copies := []struct {
		table   string
		columns []string
		rows    [][]interface{}
	}{
		{"concept", []string{"id", "term", "active"}, conceptRows},
		{"relationship", []string{"source_id", "type_id", "destination_id"}, relationRows},
		{"refset_member", []string{"refset_id", "component_id", "map_target"}, refsetRows},
		{"historical_association", []string{"source_id", "target_id"}, assocRows},
		{"product", []string{"concept_id", "kind", "atc"}, productRows},
	}
	for _, c := range copies {
		if len(c.rows) == 0 {
			continue
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.columns, pgx.CopyFromRows(c.rows)); err != nil {
			return fmt.Errorf("copy %s: %w", c.table, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO terminology_release (id, descriptor, imported_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET descriptor = $1, imported_at = NOW()
	`, snap.Release); err != nil {
		return fmt.Errorf("record release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}
