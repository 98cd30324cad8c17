// Package reconcile drains the callback queue and applies stage-completion
// notifications to jobs. Callbacks arrive at least once and unordered, so
// every transition is guarded against duplicates and stale reports.
package reconcile

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

// redrainDelay spaces successive drains when a full batch suggests more
// messages are waiting, bounding a single invocation's runtime.
const redrainDelay = 500 * time.Millisecond

// StageDispatcher advances a job into its next remote stage.
type StageDispatcher interface {
	Dispatch(ctx context.Context, job *pipeline.Job, stage pipeline.Stage) error
}

// TerminalNotifier is told when a cohort member reaches a terminal stage.
type TerminalNotifier interface {
	OnMemberTerminal(ctx context.Context, job *pipeline.Job, outcome repository.MemberOutcome) error
}

// Reconciler applies callback messages to job state.
type Reconciler struct {
	queue      queue.Queue
	jobs       repository.JobRepository
	dispatcher StageDispatcher
	notifier   TerminalNotifier
	cfg        *config.QueueConfig
	logger     observability.Logger
	metrics    observability.Metrics
}

// New creates a Reconciler. notifier may be nil when cohort tracking is not
// wanted, e.g. in single-job tests.
func New(q queue.Queue, jobs repository.JobRepository, dispatcher StageDispatcher, notifier TerminalNotifier, cfg *config.QueueConfig, logger observability.Logger, metrics observability.Metrics) *Reconciler {
	return &Reconciler{
		queue:      q,
		jobs:       jobs,
		dispatcher: dispatcher,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run drains the callback queue until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("callback reconciler started", "queue", r.cfg.Callbacks)

	for {
		more, err := r.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("drain failed", "error", err)
		}

		delay := redrainDelay
		if !more {
			// The receive call long-polls, so an immediate retry is cheap
			// when the queue stays empty.
			delay = 0
		}

		select {
		case <-ctx.Done():
			r.logger.Info("callback reconciler stopped")
			return
		case <-time.After(delay):
		}
	}
}

// Drain receives one batch of callback messages and applies them. It
// returns true when the batch came back full, meaning more messages likely
// remain and the caller should re-invoke after a short delay.
func (r *Reconciler) Drain(ctx context.Context) (bool, error) {
	max := r.cfg.ReceiveMaxMessages
	messages, err := r.queue.Receive(ctx, r.cfg.Callbacks, max)
	if err != nil {
		r.metrics.RecordError("reconcile_drain", "receive_failed")
		return false, err
	}

	for _, msg := range messages {
		r.handle(ctx, msg)
	}

	return len(messages) >= max, nil
}

// handle applies one callback. The message is deleted only after the job
// update succeeds; a crash mid-processing causes safe re-delivery rather
// than silent loss.
func (r *Reconciler) handle(ctx context.Context, msg queue.Message) {
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("reconcile_apply", time.Since(start).Seconds())
	}()

	var cb pipeline.CallbackMessage
	if err := json.Unmarshal(msg.Body, &cb); err != nil {
		r.logger.Warn("dropping malformed callback", "error", err, "message_id", msg.ID)
		r.metrics.RecordError("reconcile_apply", "malformed")
		r.deadLetter(ctx, msg, "malformed callback: "+err.Error())
		r.delete(ctx, msg)
		return
	}

	if err := cb.Validate(); err != nil {
		r.logger.Warn("dropping invalid callback", "error", err, "message_id", msg.ID)
		r.metrics.RecordError("reconcile_apply", "invalid")
		r.deadLetter(ctx, msg, "invalid callback: "+err.Error())
		r.delete(ctx, msg)
		return
	}

	log := r.logger.WithFields(map[string]interface{}{
		"job_id": cb.JobID,
		"status": cb.Status,
	})

	job, err := r.jobs.Get(ctx, cb.JobID)
	if errors.Is(err, repository.ErrNotFound) {
		// Unknown job: drop silently instead of retrying forever. The job
		// may have been purged after its retention window.
		log.Warn("callback for unknown job, dropping")
		r.metrics.RecordError("reconcile_apply", "unknown_job")
		r.delete(ctx, msg)
		return
	}
	if err != nil {
		log.Error("failed to load job, leaving callback for re-delivery", "error", err)
		return
	}

	stage, succeeded, err := cb.Outcome()
	if err != nil {
		log.Warn("dropping callback with unrecognized status", "error", err)
		r.metrics.RecordError("reconcile_apply", "unknown_status")
		r.deadLetter(ctx, msg, "unrecognized status: "+err.Error())
		r.delete(ctx, msg)
		return
	}

	// Stale-callback guard: a report for a stage the job has already left
	// is a duplicate or out-of-order delivery and must be a no-op.
	if job.Stage != stage {
		log.Info("stale callback, ignoring",
			"reported_stage", string(stage),
			"current_stage", string(job.Stage))
		r.metrics.RecordError("reconcile_apply", "stale")
		r.delete(ctx, msg)
		return
	}

	var applyErr error
	if succeeded {
		applyErr = r.applyCompletion(ctx, job, stage, &cb, log)
	} else {
		applyErr = r.applyFailure(ctx, job, stage, &cb, log)
	}

	if applyErr != nil {
		log.Error("failed to apply callback, leaving for re-delivery", "error", applyErr)
		r.metrics.RecordError("reconcile_apply", "apply_failed")
		return
	}

	r.metrics.RecordSuccess("reconcile_apply")
	r.delete(ctx, msg)
}

// applyCompletion stamps the finished stage and chains the next dispatch,
// or resolves the job when the last stage completed.
func (r *Reconciler) applyCompletion(ctx context.Context, job *pipeline.Job, stage pipeline.Stage, cb *pipeline.CallbackMessage, log observability.Logger) error {
	completedAt := time.Now().UTC()
	if cb.CompletedAt != nil {
		completedAt = *cb.CompletedAt
	}

	stamped, err := r.jobs.CompleteStage(ctx, job.ID, stage, completedAt)
	if err != nil {
		return err
	}
	if !stamped {
		// Another worker applied a duplicate delivery first.
		log.Info("stage already stamped by another worker")
		return nil
	}
	job.CompleteStage(completedAt)

	next, ok := stage.Next()
	if !ok {
		return nil
	}

	if next == pipeline.StageCompleted {
		return r.resolveCompleted(ctx, job, stage, "", log)
	}

	if next == pipeline.StageTerminology && !job.Settings.Terminology.Enabled {
		log.Info("terminology disabled for job, completing")
		return r.resolveCompleted(ctx, job, stage, "", log)
	}

	log.Info("stage complete, dispatching next", "next", string(next))
	dispatchErr := r.dispatcher.Dispatch(ctx, job, next)

	// When the dispatcher exhausts its retry budget it resolves the job
	// itself: failed for essential stages, completed for terminology. No
	// further callback will arrive for such a job, so its outcome has to
	// be folded into the cohort here. The message is deleted either way;
	// a re-delivery would only hit the stale guard.
	if job.Terminal() {
		outcome := repository.OutcomeSucceeded
		if job.Stage == pipeline.StageFailed {
			outcome = repository.OutcomeFailed
		}
		return r.notifyTerminal(ctx, job, outcome)
	}

	return dispatchErr
}

// applyFailure resolves a stage-failure report. The terminology stage
// degrades to completed; any other stage fails the job.
func (r *Reconciler) applyFailure(ctx context.Context, job *pipeline.Job, stage pipeline.Stage, cb *pipeline.CallbackMessage, log observability.Logger) error {
	reason := cb.ErrorMessage
	if reason == "" {
		reason = "stage " + string(stage) + " reported failure"
	}

	if stage == pipeline.StageTerminology {
		log.Warn("terminology stage failed, completing without enrichment", "reason", reason)
		return r.resolveCompleted(ctx, job, stage, reason, log)
	}

	moved, err := r.jobs.Resolve(ctx, job.ID, stage, pipeline.StageFailed, &reason)
	if err != nil {
		return err
	}
	if !moved {
		log.Info("job already resolved by another worker")
		return nil
	}

	job.Fail(reason)
	log.Warn("job failed from callback", "reason", reason)

	return r.notifyTerminal(ctx, job, repository.OutcomeFailed)
}

func (r *Reconciler) resolveCompleted(ctx context.Context, job *pipeline.Job, from pipeline.Stage, degradedReason string, log observability.Logger) error {
	var errMsg *string
	if degradedReason != "" {
		errMsg = &degradedReason
	}

	moved, err := r.jobs.Resolve(ctx, job.ID, from, pipeline.StageCompleted, errMsg)
	if err != nil {
		return err
	}
	if !moved {
		log.Info("job already resolved by another worker")
		return nil
	}

	job.Complete(degradedReason)
	log.Info("job completed")

	return r.notifyTerminal(ctx, job, repository.OutcomeSucceeded)
}

func (r *Reconciler) notifyTerminal(ctx context.Context, job *pipeline.Job, outcome repository.MemberOutcome) error {
	if r.notifier == nil {
		return nil
	}
	return r.notifier.OnMemberTerminal(ctx, job, outcome)
}

// deadLetter forwards an unprocessable message for offline inspection.
// Best-effort: a dead-letter outage must not wedge the drain loop.
func (r *Reconciler) deadLetter(ctx context.Context, msg queue.Message, reason string) {
	if r.cfg.DeadLetter == "" {
		return
	}
	dl := queue.DeadLetter{
		Source:    r.cfg.Callbacks,
		Reason:    reason,
		MessageID: msg.ID,
		Body:      string(msg.Body),
	}
	if err := r.queue.Publish(ctx, r.cfg.DeadLetter, dl); err != nil {
		r.logger.Error("failed to dead-letter message", "error", err, "message_id", msg.ID)
	}
}

func (r *Reconciler) delete(ctx context.Context, msg queue.Message) {
	if err := r.queue.Delete(ctx, r.cfg.Callbacks, msg); err != nil {
		r.logger.Error("failed to delete callback message", "error", err, "message_id", msg.ID)
	}
}
