// Package repository persists jobs and batches. All read-modify-write paths
// go through conditional or arithmetic UPDATEs so concurrent workers cannot
// clobber each other.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/database"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// JobRepository persists pipeline jobs.
type JobRepository interface {
	Create(ctx context.Context, job *pipeline.Job) error
	Get(ctx context.Context, id string) (*pipeline.Job, error)
	Update(ctx context.Context, job *pipeline.Job) error

	// AdvanceStage moves a job from one stage to another only if it is still
	// at the expected stage. Returns false when the job already moved on,
	// which callers treat as a stale or duplicate trigger.
	AdvanceStage(ctx context.Context, id string, from, to pipeline.Stage) (bool, error)

	// CompleteStage stamps stage_completed_at for a job still at the given
	// stage. Returns false when the job is no longer there.
	CompleteStage(ctx context.Context, id string, stage pipeline.Stage, at time.Time) (bool, error)

	// Resolve moves a job still at the expected stage to a terminal stage,
	// stamping completion and recording the error message when given.
	// Returns false when another worker already resolved it.
	Resolve(ctx context.Context, id string, from, to pipeline.Stage, errorMessage *string) (bool, error)

	IncrementAttempts(ctx context.Context, id string) (int, error)
	ListByBatch(ctx context.Context, batchID string) ([]*pipeline.Job, error)

	// ListByStages returns jobs currently at any of the given stages,
	// oldest first.
	ListByStages(ctx context.Context, stages ...pipeline.Stage) ([]*pipeline.Job, error)

	// DeleteTerminalBefore purges terminal jobs older than the cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type jobRepository struct {
	db      database.Database
	logger  observability.Logger
	metrics observability.Metrics
	qb      squirrel.StatementBuilderType
}

// NewJobRepository creates the PostgreSQL-backed job repository.
func NewJobRepository(db database.Database, logger observability.Logger, metrics observability.Metrics) JobRepository {
	return &jobRepository{
		db:      db,
		logger:  logger,
		metrics: metrics,
		qb:      squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *jobRepository) Create(ctx context.Context, job *pipeline.Job) error {
	query := r.qb.Insert("jobs").
		Columns("id", "segment_id", "course_id", "batch_id", "stage",
			"progress_percentage", "attempt_count", "error_message", "settings",
			"source_key", "media_key", "stage_started_at", "stage_completed_at",
			"created_at", "updated_at").
		Values(job.ID, job.SegmentID, job.CourseID, job.BatchID, job.Stage,
			job.ProgressPercentage, job.AttemptCount, job.ErrorMessage, job.Settings,
			job.SourceKey, job.MediaKey, job.StageStartedAt, job.StageCompletedAt,
			job.CreatedAt, job.UpdatedAt)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := r.db.Execute(ctx, sqlStr, args...); err != nil {
		r.metrics.RecordError("repository_jobs", "create_failed")
		return fmt.Errorf("create job: %w", err)
	}

	return nil
}

func (r *jobRepository) Get(ctx context.Context, id string) (*pipeline.Job, error) {
	query := r.qb.Select("*").From("jobs").Where(squirrel.Eq{"id": id})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var job pipeline.Job
	err = r.db.Get(ctx, &job, sqlStr, args...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		r.metrics.RecordError("repository_jobs", "get_failed")
		return nil, fmt.Errorf("get job: %w", err)
	}

	return &job, nil
}

func (r *jobRepository) Update(ctx context.Context, job *pipeline.Job) error {
	query := r.qb.Update("jobs").
		Set("stage", job.Stage).
		Set("progress_percentage", job.ProgressPercentage).
		Set("attempt_count", job.AttemptCount).
		Set("error_message", job.ErrorMessage).
		Set("stage_started_at", job.StageStartedAt).
		Set("stage_completed_at", job.StageCompletedAt).
		Set("updated_at", job.UpdatedAt).
		Where(squirrel.Eq{"id": job.ID})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	result, err := r.db.Execute(ctx, sqlStr, args...)
	if err != nil {
		r.metrics.RecordError("repository_jobs", "update_failed")
		return fmt.Errorf("update job: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *jobRepository) AdvanceStage(ctx context.Context, id string, from, to pipeline.Stage) (bool, error) {
	now := time.Now().UTC()

	query := r.qb.Update("jobs").
		Set("stage", to).
		Set("progress_percentage", to.Progress()).
		Set("stage_started_at", now).
		Set("stage_completed_at", nil).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": id, "stage": from})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	result, err := r.db.Execute(ctx, sqlStr, args...)
	if err != nil {
		r.metrics.RecordError("repository_jobs", "advance_failed")
		return false, fmt.Errorf("advance job stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance job stage: %w", err)
	}

	return rows > 0, nil
}

func (r *jobRepository) CompleteStage(ctx context.Context, id string, stage pipeline.Stage, at time.Time) (bool, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := r.qb.Update("jobs").
		Set("stage_completed_at", at).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id, "stage": stage})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	result, err := r.db.Execute(ctx, sqlStr, args...)
	if err != nil {
		r.metrics.RecordError("repository_jobs", "complete_stage_failed")
		return false, fmt.Errorf("complete job stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete job stage: %w", err)
	}

	return rows > 0, nil
}

func (r *jobRepository) Resolve(ctx context.Context, id string, from, to pipeline.Stage, errorMessage *string) (bool, error) {
	now := time.Now().UTC()

	query := r.qb.Update("jobs").
		Set("stage", to).
		Set("progress_percentage", to.Progress()).
		Set("stage_completed_at", now).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": id, "stage": from})

	if errorMessage != nil {
		query = query.Set("error_message", *errorMessage)
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	result, err := r.db.Execute(ctx, sqlStr, args...)
	if err != nil {
		r.metrics.RecordError("repository_jobs", "resolve_failed")
		return false, fmt.Errorf("resolve job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve job: %w", err)
	}

	return rows > 0, nil
}

func (r *jobRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	query := r.qb.Update("jobs").
		Set("attempt_count", squirrel.Expr("attempt_count + 1")).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING attempt_count")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var attempts int
	err = r.db.Get(ctx, &attempts, sqlStr, args...)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		r.metrics.RecordError("repository_jobs", "increment_attempts_failed")
		return 0, fmt.Errorf("increment attempts: %w", err)
	}

	return attempts, nil
}

func (r *jobRepository) ListByBatch(ctx context.Context, batchID string) ([]*pipeline.Job, error) {
	query := r.qb.Select("*").From("jobs").
		Where(squirrel.Eq{"batch_id": batchID}).
		OrderBy("created_at ASC")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var jobs []pipeline.Job
	if err := r.db.Select(ctx, &jobs, sqlStr, args...); err != nil {
		r.metrics.RecordError("repository_jobs", "list_failed")
		return nil, fmt.Errorf("list jobs by batch: %w", err)
	}

	out := make([]*pipeline.Job, len(jobs))
	for i := range jobs {
		out[i] = &jobs[i]
	}
	return out, nil
}

func (r *jobRepository) ListByStages(ctx context.Context, stages ...pipeline.Stage) ([]*pipeline.Job, error) {
	query := r.qb.Select("*").From("jobs").
		Where(squirrel.Eq{"stage": stages}).
		OrderBy("created_at ASC")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var jobs []pipeline.Job
	if err := r.db.Select(ctx, &jobs, sqlStr, args...); err != nil {
		r.metrics.RecordError("repository_jobs", "list_failed")
		return nil, fmt.Errorf("list jobs by stage: %w", err)
	}

	out := make([]*pipeline.Job, len(jobs))
	for i := range jobs {
		out[i] = &jobs[i]
	}
	return out, nil
}

func (r *jobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := r.qb.Delete("jobs").
		Where(squirrel.Eq{"stage": []pipeline.Stage{
			pipeline.StageCompleted,
			pipeline.StageFailed,
		}}).
		Where(squirrel.Lt{"updated_at": cutoff})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	result, err := r.db.Execute(ctx, sqlStr, args...)
	if err != nil {
		r.metrics.RecordError("repository_jobs", "purge_failed")
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
