// Package cohort groups jobs into batches, runs members through the
// download phase, and settles the aggregate outcome.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/download"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/kv"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/queue"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/ratelimit"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/repository"
)

// processingSetTTL is the defensive TTL on per-course processing sets so a
// crashed worker's entry self-heals.
const processingSetTTL = time.Hour

// Fetcher downloads one job's source media.
type Fetcher interface {
	Fetch(ctx context.Context, job *pipeline.Job) (*download.Result, error)
}

// StageDispatcher advances a job into its next remote stage.
type StageDispatcher interface {
	Dispatch(ctx context.Context, job *pipeline.Job, stage pipeline.Stage) error
}

// Hooks are the cohort lifecycle callbacks. OnFinally always runs exactly
// once per cohort, regardless of outcome.
type Hooks struct {
	OnComplete func(pipeline.AggregateCounters)
	OnFailure  func(error, pipeline.AggregateCounters)
	OnFinally  func(pipeline.AggregateCounters)
}

// MemberSpec describes one segment entering a cohort.
type MemberSpec struct {
	SegmentID string
	SourceKey string
}

// Coordinator creates cohorts and tracks their members to settlement.
type Coordinator struct {
	batches    repository.BatchRepository
	jobs       repository.JobRepository
	fetcher    Fetcher
	dispatcher StageDispatcher
	limiter    *ratelimit.Limiter
	store      kv.CounterStore
	queue      queue.Queue
	cfg        *config.Config
	hooks      Hooks
	logger     observability.Logger
	metrics    observability.Metrics

	tasks chan func()
	wg    sync.WaitGroup
}

// New creates a Coordinator. Start must be called before CreateCohort.
func New(batches repository.BatchRepository, jobs repository.JobRepository, fetcher Fetcher, dispatcher StageDispatcher, limiter *ratelimit.Limiter, store kv.CounterStore, q queue.Queue, cfg *config.Config, hooks Hooks, logger observability.Logger, metrics observability.Metrics) *Coordinator {
	return &Coordinator{
		batches:    batches,
		jobs:       jobs,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		limiter:    limiter,
		store:      store,
		queue:      q,
		cfg:        cfg,
		hooks:      hooks,
		logger:     logger,
		metrics:    metrics,
		tasks:      make(chan func(), 1024),
	}
}

// Start launches the member worker pool.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Batch.WorkerPoolSize; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-c.tasks:
					if !ok {
						return
					}
					task()
				}
			}
		}()
	}
	c.logger.Info("cohort worker pool started", "size", c.cfg.Batch.WorkerPoolSize)
}

// Wait blocks until the pool drains after context cancellation.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// CreateCohort persists the batch and its member jobs, then submits every
// member to the worker pool. Members run in parallel; the declared
// concurrency limit is enforced by the distributed download limiter, not by
// serializing members here.
func (c *Coordinator) CreateCohort(ctx context.Context, courseID string, members []MemberSpec, settings pipeline.StageSettings, concurrencyLimit int) (*pipeline.Batch, error) {
	if len(members) == 0 {
		return nil, pipeline.NewValidationError("cohort needs at least one member")
	}
	if concurrencyLimit <= 0 {
		concurrencyLimit = c.cfg.RateLimit.MaxConcurrent
	}

	batch := pipeline.NewBatch(courseID, len(members), concurrencyLimit)
	if err := c.batches.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	log := c.logger.WithFields(map[string]interface{}{
		"batch_id":  batch.ID,
		"course_id": courseID,
	})

	jobs := make([]*pipeline.Job, 0, len(members))
	for _, m := range members {
		job := pipeline.NewJob(courseID, m.SegmentID, m.SourceKey, settings)
		job.BatchID = &batch.ID
		if err := c.jobs.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("create member job %s: %w", m.SegmentID, err)
		}
		jobs = append(jobs, job)
	}

	if err := c.batches.MarkRunning(ctx, batch.ID); err != nil {
		return nil, err
	}
	batch.Status = pipeline.BatchRunning

	for _, job := range jobs {
		c.Submit(job)
	}

	log.Info("cohort created", "members", len(members), "concurrency_limit", concurrencyLimit)
	c.metrics.RecordSuccess("cohort_create")
	return batch, nil
}

// RecoverStranded re-drives jobs a previous process left in the local
// phases: queued jobs go back to the worker pool, jobs caught mid-download
// are reset to queued first. Stale processing-set claims from the dead
// process are released so the retry is not skipped as a duplicate. Jobs
// awaiting a remote-stage callback are untouched; the reconciler settles
// those.
func (c *Coordinator) RecoverStranded(ctx context.Context) (int, error) {
	stranded, err := c.jobs.ListByStages(ctx, pipeline.StageQueued, pipeline.StageDownloading)
	if err != nil {
		return 0, fmt.Errorf("list stranded jobs: %w", err)
	}

	recovered := 0
	for _, job := range stranded {
		if job.Stage == pipeline.StageDownloading {
			moved, err := c.jobs.AdvanceStage(ctx, job.ID, pipeline.StageDownloading, pipeline.StageQueued)
			if err != nil {
				c.logger.Error("failed to reset stranded download", "error", err, "job_id", job.ID)
				continue
			}
			if !moved {
				continue
			}
			job.Advance(pipeline.StageQueued)
		}

		c.store.RemoveMember(ctx, processingSetKey(job.CourseID), job.SegmentID)
		c.Submit(job)
		recovered++
	}

	if recovered > 0 {
		c.logger.Info("re-driving stranded jobs", "count", recovered)
		c.metrics.RecordSuccess("cohort_recover")
	}
	return recovered, nil
}

// Submit schedules one job for its download phase.
func (c *Coordinator) Submit(job *pipeline.Job) {
	c.tasks <- func() {
		// Detached from the submitter's context: a member keeps running
		// even if the cohort creation request has long returned.
		ctx := context.Background()
		c.runMember(ctx, job)
	}
}

// runMember drives one job through guard, limiter, download and first
// dispatch. Remote stages continue via the callback reconciler.
func (c *Coordinator) runMember(ctx context.Context, job *pipeline.Job) {
	log := c.logger.WithFields(map[string]interface{}{
		"job_id":     job.ID,
		"segment_id": job.SegmentID,
	})

	// Per-course processing set: a segment already in flight elsewhere is
	// skipped, not processed twice.
	setKey := processingSetKey(job.CourseID)
	added, err := c.store.AddMember(ctx, setKey, job.SegmentID, processingSetTTL)
	if err != nil {
		log.Error("failed to check processing set", "error", err)
		c.failMember(ctx, job, fmt.Sprintf("processing set unavailable: %v", err), log)
		return
	}
	if !added {
		log.Warn("segment already processing, skipping member")
		reason := "segment already processing, skipped"
		if _, err := c.jobs.Resolve(ctx, job.ID, job.Stage, pipeline.StageCompleted, &reason); err != nil {
			log.Error("failed to resolve skipped member", "error", err)
		}
		job.Complete(reason)
		c.recordOutcome(ctx, job, repository.OutcomeSkipped)
		return
	}

	concurrency := c.cfg.RateLimit.MaxConcurrent
	if job.BatchID != nil {
		if batch, err := c.batches.Get(ctx, *job.BatchID); err == nil && batch.ConcurrencyLimit > 0 {
			concurrency = batch.ConcurrencyLimit
		}
	}
	release, err := c.limiter.Acquire(ctx, concurrency, c.cfg.RateLimit.AcquireTimeout)
	if err != nil {
		c.store.RemoveMember(ctx, setKey, job.SegmentID)
		if pipeline.CodeOf(err) == pipeline.CodeRateLimitTimeout {
			// Not a failure: put the job back on the intake queue so a
			// later worker retries once slots free up.
			log.Warn("no download slot, re-enqueueing job")
			c.requeue(ctx, job, log)
			return
		}
		c.failMember(ctx, job, err.Error(), log)
		return
	}
	// Release on every exit path of the guarded section.
	defer release()

	moved, err := c.jobs.AdvanceStage(ctx, job.ID, pipeline.StageQueued, pipeline.StageDownloading)
	if err != nil {
		log.Error("failed to mark download in flight", "error", err)
		c.store.RemoveMember(ctx, setKey, job.SegmentID)
		return
	}
	if !moved {
		log.Info("job no longer queued, another worker has it")
		return
	}
	job.Advance(pipeline.StageDownloading)

	if _, err := c.fetcher.Fetch(ctx, job); err != nil {
		c.store.RemoveMember(ctx, setKey, job.SegmentID)
		c.failMember(ctx, job, err.Error(), log)
		return
	}

	if _, err := c.jobs.CompleteStage(ctx, job.ID, pipeline.StageDownloading, time.Now().UTC()); err != nil {
		log.Error("failed to stamp download completion", "error", err)
	}

	if err := c.dispatcher.Dispatch(ctx, job, pipeline.StageAudioExtracting); err != nil {
		c.store.RemoveMember(ctx, setKey, job.SegmentID)
		// The dispatcher resolves the job as failed when its retry budget
		// runs out; fold that member into the cohort counters. An error
		// that left the job non-terminal (shutdown mid-dispatch) is not an
		// outcome, the job will be re-driven later.
		if job.Terminal() {
			c.recordOutcome(ctx, job, repository.OutcomeFailed)
		}
		return
	}

	// The member stays in the processing set until the reconciler reports
	// it terminal.
	log.Info("member dispatched into remote stages")
}

// failMember resolves the member as failed and folds it into the cohort.
func (c *Coordinator) failMember(ctx context.Context, job *pipeline.Job, reason string, log observability.Logger) {
	moved, err := c.jobs.Resolve(ctx, job.ID, job.Stage, pipeline.StageFailed, &reason)
	if err != nil {
		log.Error("failed to resolve member failure", "error", err)
		return
	}
	if !moved {
		return
	}
	job.Fail(reason)
	log.Warn("member failed", "reason", reason)
	c.recordOutcome(ctx, job, repository.OutcomeFailed)
}

// requeue places an existing job back on the intake queue.
func (c *Coordinator) requeue(ctx context.Context, job *pipeline.Job, log observability.Logger) {
	msg := map[string]string{"job_id": job.ID}
	if err := c.queue.Publish(ctx, c.cfg.Queue.Intake, msg); err != nil {
		log.Error("failed to re-enqueue job", "error", err)
		c.failMember(ctx, job, fmt.Sprintf("re-enqueue failed: %v", err), log)
	}
}

// OnMemberTerminal folds a terminal member into its cohort's counters and
// settles the cohort when every member finished or the failure-rate policy
// trips early. Implements the reconciler's TerminalNotifier.
func (c *Coordinator) OnMemberTerminal(ctx context.Context, job *pipeline.Job, outcome repository.MemberOutcome) error {
	c.store.RemoveMember(ctx, processingSetKey(job.CourseID), job.SegmentID)
	c.recordOutcome(ctx, job, outcome)
	return nil
}

func (c *Coordinator) recordOutcome(ctx context.Context, job *pipeline.Job, outcome repository.MemberOutcome) {
	if job.BatchID == nil {
		return
	}

	batch, err := c.batches.RecordMemberOutcome(ctx, *job.BatchID, outcome)
	if errors.Is(err, repository.ErrNotFound) {
		c.logger.Warn("terminal member of unknown batch", "batch_id", *job.BatchID)
		return
	}
	if err != nil {
		c.logger.Error("failed to record member outcome", "error", err, "batch_id", *job.BatchID)
		return
	}

	c.maybeFinalize(ctx, batch)
}

// maybeFinalize settles the cohort once all members are terminal, or as
// soon as the failure rate exceeds the threshold. The conditional update in
// Finalize guarantees the hooks run exactly once even when several terminal
// members race here.
func (c *Coordinator) maybeFinalize(ctx context.Context, batch *pipeline.Batch) {
	threshold := c.cfg.Batch.FailureThreshold
	tripped := batch.Total > 0 && float64(batch.Failed)/float64(batch.Total) > threshold

	if !batch.Settled() && !tripped {
		return
	}

	status := batch.Outcome(threshold)
	finalized, err := c.batches.Finalize(ctx, batch.ID, status)
	if err != nil {
		c.logger.Error("failed to finalize batch", "error", err, "batch_id", batch.ID)
		return
	}
	if !finalized {
		return
	}

	counters := batch.Counters()
	log := c.logger.WithFields(map[string]interface{}{"batch_id": batch.ID})
	log.Info("cohort finalized",
		"status", string(status),
		"total", counters.Total,
		"failed", counters.Failed)
	c.metrics.RecordSuccess("cohort_finalize")

	if status == pipeline.BatchFailed {
		if c.hooks.OnFailure != nil {
			c.hooks.OnFailure(fmt.Errorf("cohort failure rate %d/%d exceeded threshold", batch.Failed, batch.Total), counters)
		}
	} else {
		if c.hooks.OnComplete != nil {
			c.hooks.OnComplete(counters)
		}
	}
	if c.hooks.OnFinally != nil {
		c.hooks.OnFinally(counters)
	}
}

func processingSetKey(courseID string) string {
	return "course:" + courseID + ":processing"
}
