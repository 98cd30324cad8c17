package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Job is one media item passing through the pipeline. One row per segment.
type Job struct {
	ID        string  `db:"id" json:"id"`
	SegmentID string  `db:"segment_id" json:"segment_id"`
	CourseID  string  `db:"course_id" json:"course_id"`
	BatchID   *string `db:"batch_id" json:"batch_id,omitempty"`

	Stage              Stage   `db:"stage" json:"stage"`
	ProgressPercentage int     `db:"progress_percentage" json:"progress_percentage"`
	AttemptCount       int     `db:"attempt_count" json:"attempt_count"`
	ErrorMessage       *string `db:"error_message" json:"error_message,omitempty"`

	// Settings is the versioned per-stage configuration, passed through to
	// remote services unchanged.
	Settings StageSettings `db:"settings" json:"settings"`

	// SourceKey is the object key of the raw upload in the source bucket.
	SourceKey string `db:"source_key" json:"source_key"`
	// MediaKey is the object key of the verified media in the working bucket.
	MediaKey string `db:"media_key" json:"media_key"`

	StageStartedAt   *time.Time `db:"stage_started_at" json:"stage_started_at,omitempty"`
	StageCompletedAt *time.Time `db:"stage_completed_at" json:"stage_completed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// NewJob creates a queued job for one course segment.
func NewJob(courseID, segmentID, sourceKey string, settings StageSettings) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:                 uuid.NewString(),
		SegmentID:          segmentID,
		CourseID:           courseID,
		Stage:              StageQueued,
		ProgressPercentage: StageQueued.Progress(),
		Settings:           settings,
		SourceKey:          sourceKey,
		MediaKey:           mediaKey(courseID, segmentID),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func mediaKey(courseID, segmentID string) string {
	return "media/" + courseID + "/" + segmentID + ".mp4"
}

// Terminal reports whether the job reached a terminal stage.
func (j *Job) Terminal() bool {
	return j.Stage.Terminal()
}

// Advance moves the job to the given stage and stamps started_at. The caller
// must have validated the transition with Stage.CanTransition.
func (j *Job) Advance(stage Stage) {
	now := time.Now().UTC()
	j.Stage = stage
	j.ProgressPercentage = stage.Progress()
	j.StageStartedAt = &now
	j.StageCompletedAt = nil
	j.UpdatedAt = now
}

// CompleteStage stamps the current stage as finished without moving off it.
// The reconciler advances the job separately once the next dispatch succeeds.
func (j *Job) CompleteStage(at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	j.StageCompletedAt = &at
	j.UpdatedAt = time.Now().UTC()
}

// Fail moves the job to failed recording the reason.
func (j *Job) Fail(reason string) {
	now := time.Now().UTC()
	j.Stage = StageFailed
	j.ProgressPercentage = StageFailed.Progress()
	j.ErrorMessage = &reason
	j.StageCompletedAt = &now
	j.UpdatedAt = now
}

// Complete moves the job to completed. A non-empty reason records a
// best-effort failure that was degraded rather than propagated, e.g. the
// terminology stage exhausting its retries.
func (j *Job) Complete(reason string) {
	now := time.Now().UTC()
	j.Stage = StageCompleted
	j.ProgressPercentage = StageCompleted.Progress()
	if reason != "" {
		j.ErrorMessage = &reason
	}
	j.StageCompletedAt = &now
	j.UpdatedAt = now
}
