package stt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnsupportedInput   = errors.New("unsupported input")
	ErrModelLoad          = errors.New("model load failed")
	ErrInvalidIdentifier  = errors.New("invalid model identifier")
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrMissingCredential  = errors.New("missing credential")
	ErrNoModelLoaded      = errors.New("no model loaded")
	ErrBusy               = errors.New("transcription in progress")
	ErrModelChanged       = errors.New("active model changed")
	ErrJobReused          = errors.New("job runner already started")
)

// Kind identifies a backend family.
type Kind string

const (
	KindLocalModel    Kind = "local_model"
	KindLocalPipeline Kind = "local_pipeline"
	KindRemoteAPI     Kind = "remote_api"
)

// Kinds returns every supported backend kind in listing order.
func Kinds() []Kind {
	return []Kind{KindLocalModel, KindLocalPipeline, KindRemoteAPI}
}

func (k Kind) Valid() bool {
	switch k {
	case KindLocalModel, KindLocalPipeline, KindRemoteAPI:
		return true
	}
	return false
}

// ModelID is the compound key of a backend kind and a model name in its catalog.
type ModelID struct {
	Kind Kind
	Name string
}

// ParseModelID parses "kind:name". The name may itself contain colons.
func ParseModelID(raw string) (ModelID, error) {
	kind, name, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return ModelID{}, fmt.Errorf("%w: %q is missing the kind separator", ErrInvalidIdentifier, raw)
	}
	kind = strings.TrimSpace(kind)
	name = strings.TrimSpace(name)
	if kind == "" || name == "" {
		return ModelID{}, fmt.Errorf("%w: %q must be kind:name", ErrInvalidIdentifier, raw)
	}
	id := ModelID{Kind: Kind(kind), Name: name}
	if !id.Kind.Valid() {
		return ModelID{}, fmt.Errorf("%w: %q", ErrUnsupportedBackend, kind)
	}
	return id, nil
}

func (id ModelID) String() string {
	if id.Kind == "" && id.Name == "" {
		return ""
	}
	return string(id.Kind) + ":" + id.Name
}

// ModelInfo is the externally visible description of the active model.
type ModelInfo struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// Task selects between plain transcription and translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// ParseTask maps an empty value to TaskTranscribe.
func ParseTask(raw string) (Task, error) {
	switch Task(strings.TrimSpace(raw)) {
	case "", TaskTranscribe:
		return TaskTranscribe, nil
	case TaskTranslate:
		return TaskTranslate, nil
	}
	return "", fmt.Errorf("%w: unknown task %q", ErrInvalidInput, raw)
}

// Options are the per-call recognition hints.
type Options struct {
	// Language of the speech, not of the output. Empty or "auto" means detect.
	Language string
	Task     Task
}
