package credentials

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetMissingFile(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "api_keys.json"), newLogger())
	secret, ok, err := store.Get("aliyun")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok || secret != "" {
		t.Fatalf("expected no secret, got %q", secret)
	}
}

func TestSetThenGetAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "api_keys.json")
	first := New(path, newLogger())
	if err := first.Set("aliyun", "  sk-123  "); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := first.Set("deepseek", "ds-456"); err != nil {
		t.Fatalf("set: %v", err)
	}

	second := New(path, newLogger())
	secret, ok, err := second.Get("aliyun")
	if err != nil || !ok {
		t.Fatalf("expected stored secret, ok=%v err=%v", ok, err)
	}
	if secret != "sk-123" {
		t.Fatalf("expected trimmed secret, got %q", secret)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("file is not a flat json object: %v", err)
	}
	if raw["deepseek"] != "ds-456" {
		t.Fatalf("expected deepseek entry preserved, got %v", raw)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestSetOverwritesPrevious(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "api_keys.json"), newLogger())
	if err := store.Set("openai-whisper", "old"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set("openai-whisper", "new"); err != nil {
		t.Fatalf("set: %v", err)
	}
	secret, _, _ := store.Get("openai-whisper")
	if secret != "new" {
		t.Fatalf("expected overwritten secret, got %q", secret)
	}
}

func TestUnsupportedType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	store := New(path, newLogger())
	if err := store.Set("azure", "x"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected no file to be written for rejected type")
	}
	if _, _, err := store.Get("azure"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected unsupported type error on get, got %v", err)
	}
}

func TestEmptySecretRejected(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "api_keys.json"), newLogger())
	if err := store.Set("aliyun", "   "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestCorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := New(path, newLogger())
	if _, ok, err := store.Get("aliyun"); err != nil || ok {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}
	if err := store.Set("aliyun", "fresh"); err != nil {
		t.Fatalf("set after corruption: %v", err)
	}
	if secret, ok, _ := store.Get("aliyun"); !ok || secret != "fresh" {
		t.Fatalf("expected recovered store, got %q", secret)
	}
}

func TestEmptyFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	configured, err := New(path, newLogger()).Configured()
	if err != nil {
		t.Fatalf("configured: %v", err)
	}
	if len(configured) != 0 {
		t.Fatalf("expected nothing configured, got %v", configured)
	}
}

func TestSupportedTypes(t *testing.T) {
	types := SupportedTypes()
	if len(types) != 3 {
		t.Fatalf("expected 3 types, got %d", len(types))
	}
	if types[0].ID != "openai-whisper" || types[1].ID != "aliyun" || types[2].ID != "deepseek" {
		t.Fatalf("unexpected order %v", types)
	}
}
