// Package intake consumes the work queue that feeds new segments and
// re-enqueued jobs into the pipeline.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/queue"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/repository"
)

const redrainDelay = 500 * time.Millisecond

// Submitter schedules a job for its download phase.
type Submitter interface {
	Submit(job *pipeline.Job)
}

// message is one intake queue entry. Either JobID references an existing
// job being re-enqueued, or CourseID/SegmentID/SourceKey describe a new
// segment.
type message struct {
	JobID     string                  `json:"job_id,omitempty"`
	CourseID  string                  `json:"course_id,omitempty"`
	SegmentID string                  `json:"segment_id,omitempty"`
	SourceKey string                  `json:"source_key,omitempty"`
	Settings  *pipeline.StageSettings `json:"settings,omitempty"`
}

// Consumer drains the intake queue and hands jobs to the cohort pool.
type Consumer struct {
	queue     queue.Queue
	jobs      repository.JobRepository
	submitter Submitter
	cfg       *config.QueueConfig
	logger    observability.Logger
	metrics   observability.Metrics
}

func New(q queue.Queue, jobs repository.JobRepository, submitter Submitter, cfg *config.QueueConfig, logger observability.Logger, metrics observability.Metrics) *Consumer {
	return &Consumer{
		queue:     q,
		jobs:      jobs,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run drains the intake queue until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("intake consumer started", "queue", c.cfg.Intake)

	for {
		more, err := c.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("intake drain failed", "error", err)
		}

		delay := redrainDelay
		if !more {
			delay = 0
		}

		select {
		case <-ctx.Done():
			c.logger.Info("intake consumer stopped")
			return
		case <-time.After(delay):
		}
	}
}

// Drain receives one batch of intake messages. Returns true when the batch
// came back full.
func (c *Consumer) Drain(ctx context.Context) (bool, error) {
	max := c.cfg.ReceiveMaxMessages
	messages, err := c.queue.Receive(ctx, c.cfg.Intake, max)
	if err != nil {
		c.metrics.RecordError("intake_drain", "receive_failed")
		return false, err
	}

	for _, msg := range messages {
		c.handle(ctx, msg)
	}

	return len(messages) >= max, nil
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) {
	var m message
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		c.logger.Warn("dropping malformed intake message", "error", err, "message_id", msg.ID)
		c.metrics.RecordError("intake_apply", "malformed")
		c.deadLetter(ctx, msg, "malformed intake message: "+err.Error())
		c.delete(ctx, msg)
		return
	}

	var job *pipeline.Job
	var err error
	switch {
	case m.JobID != "":
		job, err = c.jobs.Get(ctx, m.JobID)
		if errors.Is(err, repository.ErrNotFound) {
			c.logger.Warn("dropping intake message for unknown job", "job_id", m.JobID)
			c.metrics.RecordError("intake_apply", "unknown_job")
			c.delete(ctx, msg)
			return
		}
		if err != nil {
			// Leave the message for re-delivery.
			c.logger.Error("failed to load re-enqueued job", "error", err, "job_id", m.JobID)
			return
		}
		if job.Terminal() {
			c.logger.Info("dropping re-enqueued job already terminal", "job_id", job.ID)
			c.delete(ctx, msg)
			return
		}
	case m.CourseID != "" && m.SegmentID != "" && m.SourceKey != "":
		job, err = c.createJob(ctx, &m)
		if err != nil {
			c.logger.Error("failed to create intake job", "error", err, "segment_id", m.SegmentID)
			return
		}
	default:
		c.logger.Warn("dropping incomplete intake message", "message_id", msg.ID)
		c.metrics.RecordError("intake_apply", "invalid")
		c.deadLetter(ctx, msg, "incomplete intake message")
		c.delete(ctx, msg)
		return
	}

	c.submitter.Submit(job)
	c.metrics.RecordSuccess("intake_apply")
	c.delete(ctx, msg)
}

func (c *Consumer) createJob(ctx context.Context, m *message) (*pipeline.Job, error) {
	settings := pipeline.DefaultSettings()
	if m.Settings != nil {
		settings = *m.Settings
	}

	job := pipeline.NewJob(m.CourseID, m.SegmentID, m.SourceKey, settings)
	if err := c.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	c.logger.Info("intake job created",
		"job_id", job.ID,
		"course_id", job.CourseID,
		"segment_id", job.SegmentID)
	return job, nil
}

// deadLetter forwards an unprocessable message for offline inspection.
func (c *Consumer) deadLetter(ctx context.Context, msg queue.Message, reason string) {
	if c.cfg.DeadLetter == "" {
		return
	}
	dl := queue.DeadLetter{
		Source:    c.cfg.Intake,
		Reason:    reason,
		MessageID: msg.ID,
		Body:      string(msg.Body),
	}
	if err := c.queue.Publish(ctx, c.cfg.DeadLetter, dl); err != nil {
		c.logger.Error("failed to dead-letter message", "error", err, "message_id", msg.ID)
	}
}

func (c *Consumer) delete(ctx context.Context, msg queue.Message) {
	if err := c.queue.Delete(ctx, c.cfg.Intake, msg); err != nil {
		c.logger.Error("failed to delete intake message", "error", err, "message_id", msg.ID)
	}
}
