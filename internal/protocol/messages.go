package protocol

import "time"

// ModelList answers stt.models.list.
type ModelList struct {
	Models  []string   `json:"models"`
	Current *ModelInfo `json:"current,omitempty"`
}

type ModelInfo struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// LoadModelRequest asks the coordinator to switch to a "kind:name" model.
type LoadModelRequest struct {
	Model string `json:"model"`
}

// SetCredentialRequest stores an API secret for a backend type.
type SetCredentialRequest struct {
	BackendType string `json:"backend_type"`
	Secret      string `json:"secret"`
}

// JobRequest submits audio for transcription. Either Path or PCM is set; PCM
// is little-endian signed 16-bit and is written to a temporary WAV file.
type JobRequest struct {
	Path       string `json:"path,omitempty"`
	PCM        []byte `json:"pcm,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Task       string `json:"task,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Reply is the generic acknowledgement for request/reply subjects.
type Reply struct {
	OK    bool   `json:"ok"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Transcript is the terminal event of a job broadcast on the bus.
type Transcript struct {
	JobID      string    `json:"job_id"`
	Model      string    `json:"model"`
	Text       string    `json:"text"`
	Failed     bool      `json:"failed"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
}

const (
	SubjectModelsList      = "stt.models.list"
	SubjectModelsLoad      = "stt.models.load"
	SubjectModelsUnload    = "stt.models.unload"
	SubjectCredentialsSet  = "stt.credentials.set"
	SubjectJobRequest      = "stt.job.request"
	SubjectTranscriptFinal = "stt.text.final"
	SubjectNodeAnnounce    = "scribe.node.announce"
	SubjectNodeHeartbeat   = "scribe.node.heartbeat"

	StreamTranscripts = "SCRIBE_TRANSCRIPTS"
)

const (
	CodeInvalidIdentifier  = "invalid_identifier"
	CodeUnsupportedBackend = "unsupported_backend"
	CodeMissingCredential  = "missing_credential"
	CodeModelLoad          = "model_load"
	CodeBusy               = "busy"
	CodeNoModel            = "no_model"
	CodeModelChanged       = "model_changed"
	CodeInvalidInput       = "invalid_input"
	CodeUnsupportedInput   = "unsupported_input"
	CodeUnsupportedType    = "unsupported_type"
	CodeInternal           = "internal"
)
