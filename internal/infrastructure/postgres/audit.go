package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEvent records one resolution request for the audit trail. Events are
// written to the outbox and relayed to Kafka rather than sent inline, so a
// broker outage never blocks or fails a request.
type AuditEvent struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	Operation   string          `json:"operation"`
	Spec        json.RawMessage `json:"spec,omitempty"`
	Release     string          `json:"release,omitempty"`
	ResultCount int             `json:"result_count"`
	DurationMS  int64           `json:"duration_ms"`
	Outcome     string          `json:"outcome"`
	Error       string          `json:"error,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// WriteAuditEvent enqueues an audit event for relay to the given topic.
func WriteAuditEvent(ctx context.Context, pool *pgxpool.Pool, topic string, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   event.ID,
		AggregateType: "codelist_audit",
		EventType:     event.Operation,
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      event.ID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
