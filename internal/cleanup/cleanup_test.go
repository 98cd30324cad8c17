package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/repository"
)

type recordingJobs struct {
	repository.JobRepository

	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	err     error
}

func (r *recordingJobs) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, cutoff)
	return r.deleted, r.err
}

func TestSweepUsesRetentionCutoff(t *testing.T) {
	jobs := &recordingJobs{deleted: 3}
	r := New(jobs, &config.CleanupConfig{
		Interval:  time.Hour,
		Retention: 72 * time.Hour,
	}, observability.NewNopLogger(), observability.NewNopMetrics())

	before := time.Now().UTC().Add(-72 * time.Hour)
	r.sweep(context.Background())
	after := time.Now().UTC().Add(-72 * time.Hour)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Len(t, jobs.cutoffs, 1)
	cutoff := jobs.cutoffs[0]
	assert.False(t, cutoff.Before(before))
	assert.False(t, cutoff.After(after))
}

func TestSweepSurvivesStoreErrors(t *testing.T) {
	jobs := &recordingJobs{err: errors.New("db down")}
	r := New(jobs, &config.CleanupConfig{
		Interval:  time.Hour,
		Retention: 72 * time.Hour,
	}, observability.NewNopLogger(), observability.NewNopMetrics())

	// Must not panic; the next tick retries.
	r.sweep(context.Background())
	r.sweep(context.Background())

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	assert.Len(t, jobs.cutoffs, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	jobs := &recordingJobs{}
	r := New(jobs, &config.CleanupConfig{
		Interval:  10 * time.Millisecond,
		Retention: time.Hour,
	}, observability.NewNopLogger(), observability.NewNopMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.cutoffs) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop after cancellation")
	}
}
