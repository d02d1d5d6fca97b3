package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrUnsupportedType = errors.New("unsupported credential type")

// Type describes a backend that can hold an API secret.
type Type struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

var supportedTypes = []Type{
	{ID: "openai-whisper", DisplayName: "OpenAI Whisper API"},
	{ID: "aliyun", DisplayName: "Alibaba Cloud DashScope API"},
	{ID: "deepseek", DisplayName: "DeepSeek API"},
}

// SupportedTypes lists the accepted backend types in display order.
func SupportedTypes() []Type {
	return append([]Type(nil), supportedTypes...)
}

func Supported(backendType string) bool {
	for _, t := range supportedTypes {
		if t.ID == backendType {
			return true
		}
	}
	return false
}

// Store persists secrets as a flat JSON object keyed by backend type. Reads go
// to disk on every call and writes replace the file atomically.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger.With(slog.String("component", "credentials")),
	}
}

func (s *Store) Path() string { return s.path }

// Get returns the secret for backendType; ok is false when none is stored.
func (s *Store) Get(backendType string) (string, bool, error) {
	if !Supported(backendType) {
		return "", false, fmt.Errorf("%w: %q", ErrUnsupportedType, backendType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.readLocked()
	if err != nil {
		return "", false, err
	}
	secret, ok := keys[backendType]
	if !ok || secret == "" {
		return "", false, nil
	}
	return secret, true, nil
}

// Set stores secret under backendType, replacing any previous value.
func (s *Store) Set(backendType, secret string) error {
	if !Supported(backendType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, backendType)
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return fmt.Errorf("secret for %s is empty", backendType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.readLocked()
	if err != nil {
		return err
	}
	keys[backendType] = secret
	if err := s.writeLocked(keys); err != nil {
		return err
	}
	s.logger.Info("credential stored", slog.String("type", backendType))
	return nil
}

// Configured returns the backend types that currently hold a secret.
func (s *Store) Configured() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for k, v := range keys {
		if v != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// readLocked treats a missing, empty or unparsable file as an empty store.
func (s *Store) readLocked() (map[string]string, error) {
	keys := map[string]string{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return keys, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return keys, nil
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		s.logger.Warn("credentials file unreadable, treating as empty", slog.String("path", s.path), slog.String("error", err.Error()))
		return map[string]string{}, nil
	}
	return keys, nil
}

func (s *Store) writeLocked(keys map[string]string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".api_keys-*.json")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}
