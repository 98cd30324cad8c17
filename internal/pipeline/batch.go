package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the aggregate outcome of a cohort of jobs.
type BatchStatus string

const (
	BatchPending             BatchStatus = "pending"
	BatchRunning             BatchStatus = "running"
	BatchCompleted           BatchStatus = "completed"
	BatchCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchFailed              BatchStatus = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchCompletedWithErrors || s == BatchFailed
}

// Batch is a cohort of jobs dispatched together with an aggregate outcome.
type Batch struct {
	ID       string `db:"id" json:"id"`
	CourseID string `db:"course_id" json:"course_id"`

	Status           BatchStatus `db:"status" json:"status"`
	ConcurrencyLimit int         `db:"concurrency_limit" json:"concurrency_limit"`

	Total     int `db:"total" json:"total"`
	Succeeded int `db:"succeeded" json:"succeeded"`
	Failed    int `db:"failed" json:"failed"`
	Skipped   int `db:"skipped" json:"skipped"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// NewBatch creates a pending cohort record.
func NewBatch(courseID string, total, concurrencyLimit int) *Batch {
	return &Batch{
		ID:               uuid.NewString(),
		CourseID:         courseID,
		Status:           BatchPending,
		ConcurrencyLimit: concurrencyLimit,
		Total:            total,
		CreatedAt:        time.Now().UTC(),
	}
}

// Outcome applies the failure-rate policy to the counters: more than
// threshold of members failed forces failed, any failure below that yields
// completed_with_errors, zero failures yield completed.
func (b *Batch) Outcome(threshold float64) BatchStatus {
	if b.Total > 0 && float64(b.Failed)/float64(b.Total) > threshold {
		return BatchFailed
	}
	if b.Failed > 0 {
		return BatchCompletedWithErrors
	}
	return BatchCompleted
}

// Settled reports whether every member reached a terminal stage.
func (b *Batch) Settled() bool {
	return b.Succeeded+b.Failed+b.Skipped >= b.Total
}

// AggregateCounters is the summary handed to cohort lifecycle hooks.
type AggregateCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Counters returns the hook-facing aggregate view.
func (b *Batch) Counters() AggregateCounters {
	return AggregateCounters{
		Total:     b.Total,
		Processed: b.Succeeded + b.Failed + b.Skipped,
		Failed:    b.Failed,
	}
}
