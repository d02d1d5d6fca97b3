package stt

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// StageInput copies a caller's recording into a temporary file that a job may
// delete. The source is only read. Remote URLs are returned unchanged.
func StageInput(source string) (string, error) {
	if IsRemoteResource(source) {
		return source, nil
	}
	if err := validateLocalInput(source); err != nil {
		return "", err
	}
	in, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	defer in.Close()

	out, err := os.CreateTemp("", "scribe-*"+filepath.Ext(source))
	if err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("stage input: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("stage input: %w", err)
	}
	return out.Name(), nil
}

// RemoveStaged deletes a staged copy that never reached a job.
func RemoveStaged(source, staged string) {
	if staged != "" && staged != source && !IsRemoteResource(staged) {
		_ = os.Remove(staged)
	}
}
