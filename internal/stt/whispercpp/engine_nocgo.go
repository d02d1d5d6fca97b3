//go:build !cgo

package whispercpp

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var ErrUnavailable = errors.New("whisper.cpp engine requires a cgo build")

// Loader returns a loader that always fails; rebuild with CGO_ENABLED=1 and
// libwhisper available to use local_model backends.
func Loader(threads int, logger *slog.Logger) stt.ModelLoader {
	return func(path string, device stt.Device) (stt.ModelEngine, error) {
		return nil, ErrUnavailable
	}
}
