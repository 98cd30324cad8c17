// Package cleanup purges terminal jobs past their retention window.
package cleanup

import (
	"context"
	"time"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/repository"
)

// Runner deletes completed and failed jobs older than the configured
// retention on a fixed interval.
type Runner struct {
	jobs    repository.JobRepository
	cfg     *config.CleanupConfig
	logger  observability.Logger
	metrics observability.Metrics
}

func New(jobs repository.JobRepository, cfg *config.CleanupConfig, logger observability.Logger, metrics observability.Metrics) *Runner {
	return &Runner{jobs: jobs, cfg: cfg, logger: logger, metrics: metrics}
}

// Run blocks until the context is cancelled, sweeping once per interval.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("cleanup loop started",
		"interval", r.cfg.Interval.String(),
		"retention", r.cfg.Retention.String())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.Retention)

	deleted, err := r.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("cleanup sweep failed", "error", err)
		r.metrics.RecordError("cleanup", "sweep_failed")
		return
	}

	if deleted > 0 {
		r.logger.Info("purged terminal jobs", "count", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	r.metrics.RecordSuccess("cleanup_sweep")
}
