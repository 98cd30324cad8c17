package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	job := NewJob("course-7", "seg-1", "uploads/course-7/seg-1.mov", DefaultSettings())

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StageQueued, job.Stage)
	assert.Equal(t, 0, job.ProgressPercentage)
	assert.Equal(t, "uploads/course-7/seg-1.mov", job.SourceKey)
	assert.Equal(t, "media/course-7/seg-1.mp4", job.MediaKey)
	assert.Nil(t, job.StageStartedAt)
	assert.Nil(t, job.StageCompletedAt)
	assert.Nil(t, job.BatchID)
}

func TestJobAdvance(t *testing.T) {
	job := NewJob("c", "s", "k", DefaultSettings())

	job.Advance(StageDownloading)

	assert.Equal(t, StageDownloading, job.Stage)
	assert.Equal(t, 10, job.ProgressPercentage)
	require.NotNil(t, job.StageStartedAt)
	assert.Nil(t, job.StageCompletedAt)
}

func TestJobCompleteStage(t *testing.T) {
	job := NewJob("c", "s", "k", DefaultSettings())
	job.Advance(StageTranscribing)

	at := time.Now().UTC()
	job.CompleteStage(at)

	// Stays on the stage until the next dispatch moves it.
	assert.Equal(t, StageTranscribing, job.Stage)
	require.NotNil(t, job.StageCompletedAt)
	assert.Equal(t, at, *job.StageCompletedAt)
	assert.False(t, job.StageCompletedAt.Before(*job.StageStartedAt))
}

func TestJobFail(t *testing.T) {
	job := NewJob("c", "s", "k", DefaultSettings())
	job.Advance(StageAudioExtracting)

	job.Fail("service returned 500")

	assert.Equal(t, StageFailed, job.Stage)
	assert.Equal(t, 100, job.ProgressPercentage)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "service returned 500", *job.ErrorMessage)
	require.NotNil(t, job.StageCompletedAt)
	assert.True(t, job.Terminal())
}

func TestJobComplete(t *testing.T) {
	t.Run("clean completion carries no error", func(t *testing.T) {
		job := NewJob("c", "s", "k", DefaultSettings())
		job.Advance(StageTerminology)

		job.Complete("")

		assert.Equal(t, StageCompleted, job.Stage)
		assert.Nil(t, job.ErrorMessage)
		assert.True(t, job.Terminal())
	})

	t.Run("degraded completion records the reason", func(t *testing.T) {
		job := NewJob("c", "s", "k", DefaultSettings())
		job.Advance(StageTerminology)

		job.Complete("terminology service exhausted retries")

		assert.Equal(t, StageCompleted, job.Stage)
		require.NotNil(t, job.ErrorMessage)
		assert.Contains(t, *job.ErrorMessage, "exhausted retries")
	})
}
