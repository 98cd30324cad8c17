package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/database"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
)

// MemberOutcome is the terminal result of one cohort member.
type MemberOutcome string

const (
	OutcomeSucceeded MemberOutcome = "succeeded"
	OutcomeFailed    MemberOutcome = "failed"
	OutcomeSkipped   MemberOutcome = "skipped"
)

// BatchRepository persists cohorts.
type BatchRepository interface {
	Create(ctx context.Context, batch *pipeline.Batch) error
	Get(ctx context.Context, id string) (*pipeline.Batch, error)

	// MarkRunning moves a pending batch to running. Idempotent.
	MarkRunning(ctx context.Context, id string) error

	// RecordMemberOutcome atomically increments the counter for the given
	// outcome and returns the batch with the updated counters, so the caller
	// sees a consistent snapshot even under racing terminal members.
	RecordMemberOutcome(ctx context.Context, id string, outcome MemberOutcome) (*pipeline.Batch, error)

	// Finalize moves the batch to the given terminal status. Returns false
	// if the batch was already finalized, guaranteeing the finalization hook
	// runs exactly once under racing member completions.
	Finalize(ctx context.Context, id string, status pipeline.BatchStatus) (bool, error)
}

type batchRepository struct {
	db      database.Database
	logger  observability.Logger
	metrics observability.Metrics
	qb      squirrel.StatementBuilderType
}

// NewBatchRepository creates the PostgreSQL-backed batch repository.
func NewBatchRepository(db database.Database, logger observability.Logger, metrics observability.Metrics) BatchRepository {
	return &batchRepository{
		db:      db,
		logger:  logger,
		metrics: metrics,
		qb:      squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *batchRepository) Create(ctx context.Context, batch *pipeline.Batch) error {
	query := r.qb.Insert("batches").
		Columns("id", "course_id", "status", "concurrency_limit",
			"total", "succeeded", "failed", "skipped", "created_at", "completed_at").
		Values(batch.ID, batch.CourseID, batch.Status, batch.ConcurrencyLimit,
			batch.Total, batch.Succeeded, batch.Failed, batch.Skipped,
			batch.CreatedAt, batch.CompletedAt)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := r.db.Execute(ctx, sqlStr, args...); err != nil {
		r.metrics.RecordError("repository_batches", "create_failed")
		return fmt.Errorf("create batch: %w", err)
	}

	return nil
}

func (r *batchRepository) Get(ctx context.Context, id string) (*pipeline.Batch, error) {
	query := r.qb.Select("*").From("batches").Where(squirrel.Eq{"id": id})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var batch pipeline.Batch
	err = r.db.Get(ctx, &batch, sqlStr, args...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		r.metrics.RecordError("repository_batches", "get_failed")
		return nil, fmt.Errorf("get batch: %w", err)
	}

	return &batch, nil
}

func (r *batchRepository) MarkRunning(ctx context.Context, id string) error {
	query := r.qb.Update("batches").
		Set("status", pipeline.BatchRunning).
		Where(squirrel.Eq{"id": id, "status": pipeline.BatchPending})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := r.db.Execute(ctx, sqlStr, args...); err != nil {
		r.metrics.RecordError("repository_batches", "mark_running_failed")
		return fmt.Errorf("mark batch running: %w", err)
	}

	return nil
}

func (r *batchRepository) RecordMemberOutcome(ctx context.Context, id string, outcome MemberOutcome) (*pipeline.Batch, error) {
	var column string
	switch outcome {
	case OutcomeSucceeded:
		column = "succeeded"
	case OutcomeFailed:
		column = "failed"
	case OutcomeSkipped:
		column = "skipped"
	default:
		return nil, fmt.Errorf("unknown member outcome %q", outcome)
	}

	query := r.qb.Update("batches").
		Set(column, squirrel.Expr(column+" + 1")).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING *")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var batch pipeline.Batch
	err = r.db.Get(ctx, &batch, sqlStr, args...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		r.metrics.RecordError("repository_batches", "record_outcome_failed")
		return nil, fmt.Errorf("record member outcome: %w", err)
	}

	return &batch, nil
}

func (r *batchRepository) Finalize(ctx context.Context, id string, status pipeline.BatchStatus) (bool, error) {
	query := r.qb.Update("batches").
		Set("status", status).
		Set("completed_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"status": []pipeline.BatchStatus{
			pipeline.BatchPending,
			pipeline.BatchRunning,
		}})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	result, err := r.db.Execute(ctx, sqlStr, args...)
	if err != nil {
		r.metrics.RecordError("repository_batches", "finalize_failed")
		return false, fmt.Errorf("finalize batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize batch: %w", err)
	}

	return rows > 0, nil
}
