package pipeline

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// SettingsVersion is the current StageSettings schema version. Bump when a
// field changes meaning so older persisted rows remain distinguishable.
const SettingsVersion = 1

// StageSettings is the typed per-stage configuration carried on a job and
// passed through to each remote service. It replaces the untyped settings
// blob older pipeline generations forwarded blind.
type StageSettings struct {
	Version int `json:"version"`

	Audio         AudioSettings         `json:"audio"`
	Transcription TranscriptionSettings `json:"transcription"`
	Terminology   TerminologySettings   `json:"terminology"`
}

// AudioSettings configures the audio extraction stage.
type AudioSettings struct {
	Format     string `json:"format"`      // e.g. "wav", "flac"
	SampleRate int    `json:"sample_rate"` // Hz
	Channels   int    `json:"channels"`
}

// TranscriptionSettings configures the transcription stage.
type TranscriptionSettings struct {
	Language   string `json:"language"`
	Vocabulary string `json:"vocabulary,omitempty"` // custom vocabulary name
}

// TerminologySettings configures the terminology recognition stage.
type TerminologySettings struct {
	Enabled  bool   `json:"enabled"`
	Glossary string `json:"glossary,omitempty"`
}

// DefaultSettings returns the settings applied when an intake request carries
// none.
func DefaultSettings() StageSettings {
	return StageSettings{
		Version: SettingsVersion,
		Audio: AudioSettings{
			Format:     "wav",
			SampleRate: 16000,
			Channels:   1,
		},
		Transcription: TranscriptionSettings{
			Language: "en-US",
		},
		Terminology: TerminologySettings{
			Enabled: true,
		},
	}
}

// Value implements driver.Valuer so settings persist as a JSON column.
func (s StageSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StageSettings) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = DefaultSettings()
		return nil
	default:
		return fmt.Errorf("cannot scan settings from %T", src)
	}
}
