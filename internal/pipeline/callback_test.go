package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackOutcome(t *testing.T) {
	t.Run("completion statuses map to their stage", func(t *testing.T) {
		cases := map[string]Stage{
			"download_complete":         StageDownloading,
			"audio_extraction_complete": StageAudioExtracting,
			"transcription_complete":    StageTranscribing,
			"terminology_complete":      StageTerminology,
		}
		for status, want := range cases {
			cb := &CallbackMessage{JobID: "j", Status: status}
			stage, succeeded, err := cb.Outcome()
			require.NoError(t, err, status)
			assert.True(t, succeeded, status)
			assert.Equal(t, want, stage, status)
		}
	})

	t.Run("failure statuses map to their stage", func(t *testing.T) {
		cb := &CallbackMessage{JobID: "j", Status: "transcription_failed"}
		stage, succeeded, err := cb.Outcome()
		require.NoError(t, err)
		assert.False(t, succeeded)
		assert.Equal(t, StageTranscribing, stage)
	})

	t.Run("unknown suffix is rejected", func(t *testing.T) {
		cb := &CallbackMessage{JobID: "j", Status: "transcription_pending"}
		_, _, err := cb.Outcome()
		assert.Error(t, err)
	})

	t.Run("unknown stage name is rejected", func(t *testing.T) {
		cb := &CallbackMessage{JobID: "j", Status: "subtitling_complete"}
		_, _, err := cb.Outcome()
		assert.Error(t, err)
	})
}

func TestCallbackValidate(t *testing.T) {
	assert.NoError(t, (&CallbackMessage{JobID: "j", Status: "download_complete"}).Validate())
	assert.Error(t, (&CallbackMessage{Status: "download_complete"}).Validate())
	assert.Error(t, (&CallbackMessage{JobID: "j"}).Validate())
}
