// Package ratelimit bounds concurrent downloads across all worker processes
// with a counting semaphore held in the shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/kv"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
)

const pollInterval = time.Second

// Limiter is a distributed counting semaphore. The counter carries a
// defensive TTL so an abandoned slot self-heals instead of leaking forever.
//
// Known limitation: slots have no per-holder identity, so a worker that dies
// while holding one leaks it until the TTL expires.
type Limiter struct {
	store   kv.CounterStore
	cfg     *config.RateLimitConfig
	logger  observability.Logger
	metrics observability.Metrics
}

// New creates a Limiter on top of the shared counter store.
func New(store kv.CounterStore, cfg *config.RateLimitConfig, logger observability.Logger, metrics observability.Metrics) *Limiter {
	return &Limiter{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

func (l *Limiter) key() string {
	return l.cfg.KeyPrefix + ":active_downloads"
}

// Acquire claims a download slot, polling once per second until a slot frees
// up or the wait window elapses. On success it returns a release function
// which the caller must defer so the slot is returned on every exit path.
// When the window elapses it returns a RateLimitTimeout error, which the
// scheduler treats as retryable.
func (l *Limiter) Acquire(ctx context.Context, maxConcurrent int, timeout time.Duration) (func(), error) {
	if maxConcurrent <= 0 {
		maxConcurrent = l.cfg.MaxConcurrent
	}
	if timeout <= 0 {
		timeout = l.cfg.AcquireTimeout
	}

	start := time.Now()
	deadline := start.Add(timeout)

	for {
		ok, err := l.store.IncrementIfBelow(ctx, l.key(), int64(maxConcurrent), l.cfg.CounterTTL)
		if err != nil {
			l.metrics.RecordError("rate_limit_acquire", "store_failed")
			return nil, fmt.Errorf("acquire download slot: %w", err)
		}

		if ok {
			l.metrics.RecordSuccess("rate_limit_acquire")
			l.metrics.RecordDuration("rate_limit_wait", time.Since(start).Seconds())
			return l.releaseFunc(), nil
		}

		if time.Now().After(deadline) {
			l.metrics.RecordError("rate_limit_acquire", "timeout")
			l.logger.Warn("no download slot freed up within wait window",
				"max_concurrent", maxConcurrent,
				"waited", time.Since(start).String())
			return nil, pipeline.NewRateLimitTimeout(
				fmt.Sprintf("no download slot available after %s", timeout))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// releaseFunc returns the slot exactly once even if the caller's defer runs
// alongside an explicit release.
func (l *Limiter) releaseFunc() func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true

		// Release must not inherit a canceled request context: the slot has
		// to be returned even when the guarded operation was aborted.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := l.store.Decrement(ctx, l.key()); err != nil {
			l.logger.Error("failed to release download slot", "error", err)
			l.metrics.RecordError("rate_limit_release", "store_failed")
		}
	}
}

// Active returns the current number of held slots.
func (l *Limiter) Active(ctx context.Context) (int64, error) {
	return l.store.Count(ctx, l.key())
}
