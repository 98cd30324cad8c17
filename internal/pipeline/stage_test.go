package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageCanTransition(t *testing.T) {
	t.Run("forward moves are allowed", func(t *testing.T) {
		assert.True(t, StageQueued.CanTransition(StageDownloading))
		assert.True(t, StageDownloading.CanTransition(StageAudioExtracting))
		assert.True(t, StageAudioExtracting.CanTransition(StageTranscribing))
		assert.True(t, StageTranscribing.CanTransition(StageTerminology))
		assert.True(t, StageTerminology.CanTransition(StageCompleted))
	})

	t.Run("skipping stages forward is allowed", func(t *testing.T) {
		// Terminology can be disabled per job, so transcribing resolves
		// straight to completed.
		assert.True(t, StageTranscribing.CanTransition(StageCompleted))
		assert.True(t, StageQueued.CanTransition(StageAudioExtracting))
	})

	t.Run("backward moves are rejected", func(t *testing.T) {
		assert.False(t, StageTranscribing.CanTransition(StageDownloading))
		assert.False(t, StageAudioExtracting.CanTransition(StageQueued))
		assert.False(t, StageDownloading.CanTransition(StageDownloading))
	})

	t.Run("failed is reachable from any non-terminal stage", func(t *testing.T) {
		for _, s := range []Stage{StageQueued, StageDownloading, StageAudioExtracting, StageTranscribing, StageTerminology} {
			assert.True(t, s.CanTransition(StageFailed), "from %s", s)
		}
	})

	t.Run("terminal stages allow no transition", func(t *testing.T) {
		for _, s := range []Stage{StageCompleted, StageCompletedWithErrors, StageFailed} {
			assert.False(t, s.CanTransition(StageFailed), "from %s", s)
			assert.False(t, s.CanTransition(StageCompleted), "from %s", s)
		}
	})

	t.Run("completed_with_errors is never a job stage target", func(t *testing.T) {
		assert.False(t, StageTerminology.CanTransition(StageCompletedWithErrors))
		assert.False(t, StageQueued.CanTransition(StageCompletedWithErrors))
	})

	t.Run("unknown target is rejected", func(t *testing.T) {
		assert.False(t, StageQueued.CanTransition(Stage("bogus")))
	})
}

func TestStageNext(t *testing.T) {
	next, ok := StageTerminology.Next()
	assert.True(t, ok)
	assert.Equal(t, StageCompleted, next)

	_, ok = StageCompleted.Next()
	assert.False(t, ok)
	_, ok = StageFailed.Next()
	assert.False(t, ok)
}

func TestStageProgress(t *testing.T) {
	assert.Equal(t, 0, StageQueued.Progress())
	assert.Equal(t, 10, StageDownloading.Progress())
	assert.Equal(t, 35, StageAudioExtracting.Progress())
	assert.Equal(t, 60, StageTranscribing.Progress())
	assert.Equal(t, 85, StageTerminology.Progress())
	assert.Equal(t, 100, StageCompleted.Progress())
	assert.Equal(t, 100, StageFailed.Progress())
}

func TestStageTerminal(t *testing.T) {
	assert.False(t, StageQueued.Terminal())
	assert.False(t, StageTerminology.Terminal())
	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageCompletedWithErrors.Terminal())
	assert.True(t, StageFailed.Terminal())
}
