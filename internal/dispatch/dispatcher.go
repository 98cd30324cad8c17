// Package dispatch sends stage-start requests to the remote compute
// services and records the stage as in flight. A 2xx reply only confirms
// acceptance; actual completion arrives later through the callback queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/repository"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/retrypolicy"
)

// stageRequest is the JSON body POSTed to a stage service.
type stageRequest struct {
	JobID         string          `json:"job_id"`
	InputBucket   string          `json:"input_bucket"`
	InputKey      string          `json:"input_key"`
	OutputBucket  string          `json:"output_bucket"`
	OutputKey     string          `json:"output_key"`
	CallbackQueue string          `json:"callback_queue"`
	Settings      json.RawMessage `json:"settings,omitempty"`
}

// Dispatcher advances jobs into remote-service stages.
type Dispatcher struct {
	client  StageClient
	jobs    repository.JobRepository
	stages  *config.StagesConfig
	storage *config.StorageConfig
	queue   *config.QueueConfig
	logger  observability.Logger
	metrics observability.Metrics
}

// New creates a Dispatcher.
func New(client StageClient, jobs repository.JobRepository, cfg *config.Config, logger observability.Logger, metrics observability.Metrics) *Dispatcher {
	return &Dispatcher{
		client:  client,
		jobs:    jobs,
		stages:  &cfg.Stages,
		storage: &cfg.Storage,
		queue:   &cfg.Queue,
		logger:  logger,
		metrics: metrics,
	}
}

// Dispatch sends the stage-start request for the given stage and, on
// acceptance, marks the stage in flight. A job already at or past the
// requested stage is not re-dispatched, so duplicate orchestrator
// invocations cause no duplicate side effects.
//
// Failures are retried against the stage's backoff schedule until the job's
// attempt budget runs out, then the job is marked failed with the last
// response recorded. The terminology stage instead degrades to completed,
// since terminology enrichment is best-effort.
func (d *Dispatcher) Dispatch(ctx context.Context, job *pipeline.Job, stage pipeline.Stage) error {
	log := d.logger.WithFields(map[string]interface{}{
		"job_id": job.ID,
		"stage":  string(stage),
	})

	if !job.Stage.CanTransition(stage) {
		log.Info("skipping dispatch, job already at or past stage", "current", string(job.Stage))
		return nil
	}

	svc, err := d.serviceFor(stage)
	if err != nil {
		return err
	}

	payload, err := d.buildPayload(job, stage)
	if err != nil {
		return err
	}

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, svc.Timeout)
		defer cancel()

		err := d.client.Process(callCtx, svc.BaseURL, payload)
		if err == nil {
			return nil
		}

		attempts, attemptErr := d.jobs.IncrementAttempts(ctx, job.ID)
		if attemptErr != nil {
			log.Error("failed to record dispatch attempt", "error", attemptErr)
		}

		if !pipeline.Retryable(err) {
			return backoff.Permanent(err)
		}
		if attempts >= svc.Tries {
			return backoff.Permanent(err)
		}

		log.Warn("stage dispatch failed, will retry",
			"error", err,
			"attempt", attempts,
			"tries", svc.Tries)
		return err
	}

	start := time.Now()
	err = backoff.Retry(operation, backoff.WithContext(retrypolicy.NewSchedule(svc.Backoff, svc.Tries-1), ctx))
	d.metrics.RecordDuration("stage_dispatch", time.Since(start).Seconds())

	if err != nil {
		return d.handleExhausted(ctx, job, stage, err, log)
	}

	// Acceptance confirmed; record the stage as in flight. A false return
	// means another worker advanced the job first, which is fine.
	moved, err := d.jobs.AdvanceStage(ctx, job.ID, job.Stage, stage)
	if err != nil {
		return fmt.Errorf("persist stage advance: %w", err)
	}
	if moved {
		job.Advance(stage)
		log.Info("stage dispatched")
		d.metrics.RecordSuccess("stage_dispatch")
	} else {
		log.Info("stage already advanced by another worker")
	}

	return nil
}

// handleExhausted applies the terminal policy once dispatch retries run out.
func (d *Dispatcher) handleExhausted(ctx context.Context, job *pipeline.Job, stage pipeline.Stage, cause error, log observability.Logger) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}

	d.metrics.RecordError("stage_dispatch", pipeline.CodeOf(cause))

	if stage == pipeline.StageTerminology {
		// Terminology enrichment is non-essential: record the error but
		// resolve the job as completed.
		job.Complete(cause.Error())
		if err := d.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("persist degraded completion: %w", err)
		}
		log.Warn("terminology dispatch exhausted retries, completing without enrichment", "error", cause)
		return nil
	}

	job.Fail(cause.Error())
	if err := d.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("persist job failure: %w", err)
	}
	log.Error("stage dispatch exhausted retries, job failed", "error", cause)
	return cause
}

func (d *Dispatcher) serviceFor(stage pipeline.Stage) (*config.StageServiceConfig, error) {
	switch stage {
	case pipeline.StageAudioExtracting:
		return &d.stages.AudioExtraction, nil
	case pipeline.StageTranscribing:
		return &d.stages.Transcription, nil
	case pipeline.StageTerminology:
		return &d.stages.Terminology, nil
	default:
		return nil, pipeline.NewValidationError(fmt.Sprintf("stage %s has no remote service", stage))
	}
}

// buildPayload derives the stage-specific input and output locations from
// the job's media key. Each service reads its input from object storage and
// posts to the callback queue when done.
func (d *Dispatcher) buildPayload(job *pipeline.Job, stage pipeline.Stage) (*stageRequest, error) {
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return nil, pipeline.NewValidationError(fmt.Sprintf("marshal settings: %v", err))
	}

	req := &stageRequest{
		JobID:         job.ID,
		InputBucket:   d.storage.MediaBucket,
		OutputBucket:  d.storage.MediaBucket,
		CallbackQueue: d.queue.Callbacks,
		Settings:      settings,
	}

	base := artifactBase(job)
	switch stage {
	case pipeline.StageAudioExtracting:
		req.InputKey = job.MediaKey
		req.OutputKey = base + ".wav"
	case pipeline.StageTranscribing:
		req.InputKey = base + ".wav"
		req.OutputKey = base + ".transcript.json"
	case pipeline.StageTerminology:
		req.InputKey = base + ".transcript.json"
		req.OutputKey = base + ".terms.json"
	default:
		return nil, pipeline.NewValidationError(fmt.Sprintf("stage %s has no payload", stage))
	}

	return req, nil
}

func artifactBase(job *pipeline.Job) string {
	return "artifacts/" + job.CourseID + "/" + job.SegmentID
}
