package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// JobStatus is the lifecycle state of a bulk evaluation job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// JobKind selects what a job computes.
type JobKind string

const (
	// JobKindExpand resolves a specification to its concept identifiers.
	JobKindExpand JobKind = "expand"
	// JobKindMatch tests a batch of identifiers against a specification.
	JobKindMatch JobKind = "match"
)

// Job is a queued bulk evaluation.
type Job struct {
	ID          string
	Kind        JobKind
	Status      JobStatus
	Spec        json.RawMessage
	Identifiers []int64
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Result      json.RawMessage
	Error       *string
}

// JobMessage is the dispatch payload published to the jobs topic. Spec
// carries a JSON array of specifications; a bare object is accepted for
// single-spec dispatches produced outside the API.
type JobMessage struct {
	JobID       string          `json:"job_id"`
	Kind        JobKind         `json:"kind"`
	Spec        json.RawMessage `json:"spec"`
	Identifiers []int64         `json:"identifiers,omitempty"`
}

// JobCompletionEvent is published when a job reaches a terminal status.
type JobCompletionEvent struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ErrJobNotFound is returned when no job exists with the requested ID.
var ErrJobNotFound = errors.New("job not found")

// JobRepositoryConfig names the topics job events are dispatched to.
type JobRepositoryConfig struct {
	JobsTopic      string
	CompletedTopic string
}

// DefaultJobRepositoryConfig returns the standard topic names.
func DefaultJobRepositoryConfig() JobRepositoryConfig {
	return JobRepositoryConfig{
		JobsTopic:      "codelist.jobs.v1",
		CompletedTopic: "codelist.jobs.completed.v1",
	}
}

// JobRepository persists bulk jobs and dispatches their lifecycle events
// through the transactional outbox, so a job row and its Kafka message
// commit or roll back together.
type JobRepository struct {
	pool   *pgxpool.Pool
	config JobRepositoryConfig
	logger *zap.Logger
}

// NewJobRepository creates a job repository.
func NewJobRepository(pool *pgxpool.Pool, cfg JobRepositoryConfig, logger *zap.Logger) *JobRepository {
	if cfg.JobsTopic == "" {
		cfg.JobsTopic = DefaultJobRepositoryConfig().JobsTopic
	}
	if cfg.CompletedTopic == "" {
		cfg.CompletedTopic = DefaultJobRepositoryConfig().CompletedTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRepository{pool: pool, config: cfg, logger: logger}
}

// Enqueue inserts a new job and its dispatch message in one transaction.
func (r *JobRepository) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = JobQueued

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO codelist_job (id, kind, status, spec, identifiers)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING submitted_at
	`, job.ID, job.Kind, job.Status, job.Spec, job.Identifiers).Scan(&job.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	payload, err := json.Marshal(JobMessage{
		JobID:       job.ID,
		Kind:        job.Kind,
		Spec:        job.Spec,
		Identifiers: job.Identifiers,
	})
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   job.ID,
		AggregateType: "codelist_job",
		EventType:     "JobQueued",
		Payload:       payload,
		KafkaTopic:    r.config.JobsTopic,
		KafkaKey:      job.ID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)))
	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*Job, error) {
	job := &Job{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, kind, status, spec, identifiers,
		       submitted_at, started_at, finished_at, result, error
		FROM codelist_job
		WHERE id = $1
	`, id).Scan(
		&job.ID, &job.Kind, &job.Status, &job.Spec, &job.Identifiers,
		&job.SubmittedAt, &job.StartedAt, &job.FinishedAt, &job.Result, &job.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Claim marks a job RUNNING. It reports false when the job is unknown or
// already finished, letting redelivered dispatch messages drop out quietly.
func (r *JobRepository) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE codelist_job
		SET status = $1, started_at = COALESCE(started_at, NOW())
		WHERE id = $2 AND status IN ('QUEUED', 'RUNNING')
	`, JobRunning, id)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete records a successful result and dispatches the completion event
// in one transaction.
func (r *JobRepository) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return r.finish(ctx, id, JobCompleted, result, "")
}

// Fail records a terminal failure and dispatches the completion event in one
// transaction.
func (r *JobRepository) Fail(ctx context.Context, id string, cause string) error {
	return r.finish(ctx, id, JobFailed, nil, cause)
}

func (r *JobRepository) finish(ctx context.Context, id string, status JobStatus, result json.RawMessage, cause string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var errColumn *string
	if cause != "" {
		errColumn = &cause
	}
	tag, err := tx.Exec(ctx, `
		UPDATE codelist_job
		SET status = $1, finished_at = NOW(), result = $2, error = $3
		WHERE id = $4
	`, status, result, errColumn, id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	payload, err := json.Marshal(JobCompletionEvent{JobID: id, Status: status, Error: cause})
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}
	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   id,
		AggregateType: "codelist_job",
		EventType:     "JobFinished",
		Payload:       payload,
		KafkaTopic:    r.config.CompletedTopic,
		KafkaKey:      id,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRecent returns the most recently submitted jobs.
func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, status, spec, identifiers,
		       submitted_at, started_at, finished_at, result, error
		FROM codelist_job
		ORDER BY submitted_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		err := rows.Scan(
			&job.ID, &job.Kind, &job.Status, &job.Spec, &job.Identifiers,
			&job.SubmittedAt, &job.StartedAt, &job.FinishedAt, &job.Result, &job.Error,
		)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
