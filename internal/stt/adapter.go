package stt

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Adapter wraps exactly one recognition engine family behind a uniform contract.
type Adapter interface {
	Kind() Kind
	// LoadModel materializes the named model and returns the name that is now resident.
	LoadModel(ctx context.Context, name string) (string, error)
	// UnloadModel releases the resident model. It is a no-op when nothing is loaded.
	UnloadModel() error
	// Transcribe blocks until the engine returns normalized text.
	Transcribe(ctx context.Context, path string, opts Options) (string, error)
	AvailableModels() []string
}

// CredentialSource resolves API secrets keyed by backend type.
type CredentialSource interface {
	Get(backendType string) (string, bool, error)
	Set(backendType, secret string) error
}

func supportedContainer(name string) bool {
	switch strings.ToLower(name) {
	case ".wav", ".mp3":
		return true
	}
	return false
}

// validateLocalInput runs before any engine call on the local backends.
func validateLocalInput(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: audio path is empty", ErrInvalidInput)
	}
	if ext := filepath.Ext(p); !supportedContainer(ext) {
		return fmt.Errorf("%w: unsupported audio container %q, want .wav or .mp3", ErrInvalidInput, ext)
	}
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidInput, p)
	}
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return f.Close()
}

// IsRemoteResource reports whether p is an http(s) URL rather than a local path.
func IsRemoteResource(p string) bool {
	u, err := url.Parse(strings.TrimSpace(p))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validateRemoteInput(p string) error {
	if !IsRemoteResource(p) {
		return fmt.Errorf("%w: remote backend needs a publicly reachable URL, got local path %q", ErrUnsupportedInput, p)
	}
	u, _ := url.Parse(strings.TrimSpace(p))
	if ext := path.Ext(u.Path); !supportedContainer(ext) {
		return fmt.Errorf("%w: unsupported audio container %q, want .wav or .mp3", ErrInvalidInput, ext)
	}
	return nil
}

func containsModel(catalog []string, name string) bool {
	for _, m := range catalog {
		if m == name {
			return true
		}
	}
	return false
}
