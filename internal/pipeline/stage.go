// Package pipeline defines the job and cohort state shared by the stage
// dispatcher, the callback reconciler and the batch coordinator.
package pipeline

// Stage is one step of the processing pipeline, or a terminal outcome.
type Stage string

const (
	StageQueued              Stage = "queued"
	StageDownloading         Stage = "downloading"
	StageAudioExtracting     Stage = "audio_extracting"
	StageTranscribing        Stage = "transcribing"
	StageTerminology         Stage = "terminology_processing"
	StageCompleted           Stage = "completed"
	StageCompletedWithErrors Stage = "completed_with_errors"
	StageFailed              Stage = "failed"
)

// stageOrder gives each pipeline position a rank so transitions can be
// checked for forward monotonicity. Terminal states share the highest rank.
var stageOrder = map[Stage]int{
	StageQueued:              0,
	StageDownloading:         1,
	StageAudioExtracting:     2,
	StageTranscribing:        3,
	StageTerminology:         4,
	StageCompleted:           5,
	StageCompletedWithErrors: 5,
	StageFailed:              5,
}

// stageProgress maps each stage to the coarse pipeline-position indicator
// stored on the job.
var stageProgress = map[Stage]int{
	StageQueued:              0,
	StageDownloading:         10,
	StageAudioExtracting:     35,
	StageTranscribing:        60,
	StageTerminology:         85,
	StageCompleted:           100,
	StageCompletedWithErrors: 100,
	StageFailed:              100,
}

// Valid reports whether s is a known stage value.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Terminal reports whether no further transition can occur from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCompletedWithErrors || s == StageFailed
}

// Progress returns the coarse progress percentage for s.
func (s Stage) Progress() int {
	return stageProgress[s]
}

// Next returns the stage that follows s in pipeline order. Returns false for
// terminal stages.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageQueued:
		return StageDownloading, true
	case StageDownloading:
		return StageAudioExtracting, true
	case StageAudioExtracting:
		return StageTranscribing, true
	case StageTranscribing:
		return StageTerminology, true
	case StageTerminology:
		return StageCompleted, true
	default:
		return "", false
	}
}

// CanTransition reports whether a job at stage s may move to target. Moves
// are monotonically forward along pipeline order. A transition to failed is
// allowed from any non-terminal stage; terminology failures instead resolve
// to completed, which the dispatcher handles before calling this.
func (s Stage) CanTransition(target Stage) bool {
	if s.Terminal() || !target.Valid() {
		return false
	}
	if target == StageFailed {
		return true
	}
	// completed_with_errors is a cohort outcome, never a job outcome
	if target == StageCompletedWithErrors {
		return false
	}
	return stageOrder[target] > stageOrder[s]
}
