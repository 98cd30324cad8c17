package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CallbackMessage is a stage-completion notification consumed from the
// callback queue. Delivery is at-least-once and unordered, so consumers must
// treat each message as idempotent.
type CallbackMessage struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// statusStages maps the stage part of a callback status to the pipeline
// stage it refers to.
var statusStages = map[string]Stage{
	"download":         StageDownloading,
	"audio_extraction": StageAudioExtracting,
	"transcription":    StageTranscribing,
	"terminology":      StageTerminology,
}

// Outcome decodes the reported status into the stage it refers to and
// whether the remote service succeeded. Statuses look like
// "transcription_complete" or "audio_extraction_failed".
func (m *CallbackMessage) Outcome() (stage Stage, succeeded bool, err error) {
	switch {
	case strings.HasSuffix(m.Status, "_complete"):
		succeeded = true
		stage, err = m.stageFor(strings.TrimSuffix(m.Status, "_complete"))
	case strings.HasSuffix(m.Status, "_failed"):
		stage, err = m.stageFor(strings.TrimSuffix(m.Status, "_failed"))
	default:
		err = fmt.Errorf("unrecognized callback status %q", m.Status)
	}
	return stage, succeeded, err
}

func (m *CallbackMessage) stageFor(name string) (Stage, error) {
	stage, ok := statusStages[name]
	if !ok {
		return "", fmt.Errorf("callback status %q names no known stage", m.Status)
	}
	return stage, nil
}

// Validate checks the fields every callback must carry.
func (m *CallbackMessage) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("callback missing job_id")
	}
	if m.Status == "" {
		return fmt.Errorf("callback missing status")
	}
	return nil
}
