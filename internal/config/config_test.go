package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4223" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.RemoteAPI.CredentialType != "aliyun" {
		t.Fatalf("expected aliyun credential type, got %q", cfg.STT.RemoteAPI.CredentialType)
	}
	if cfg.STT.Task != "transcribe" {
		t.Fatalf("expected transcribe task, got %q", cfg.STT.Task)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`runtime_name: dictation
stt:
  default_model: "local_model:turbo"
  language: en
  task: translate
  device: cpu
  local_model:
    models_dir: /opt/whisper
    threads: 4
  remote_api:
    language_hints: [en, zh]
history:
  retention_mode: ephemeral
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "dictation" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.STT.DefaultModel != "local_model:turbo" {
		t.Fatalf("unexpected default model %q", cfg.STT.DefaultModel)
	}
	if cfg.STT.LocalModel.Threads != 4 || cfg.STT.LocalModel.ModelsDir != "/opt/whisper" {
		t.Fatalf("unexpected local model config %+v", cfg.STT.LocalModel)
	}
	if len(cfg.STT.RemoteAPI.LanguageHints) != 2 {
		t.Fatalf("expected 2 language hints, got %v", cfg.STT.RemoteAPI.LanguageHints)
	}
	// untouched keys keep their defaults
	if cfg.STT.RemoteAPI.PollIntervalMS != 1000 {
		t.Fatalf("expected default poll interval, got %d", cfg.STT.RemoteAPI.PollIntervalMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_HISTORY_PATH", "./tmp.db")
	t.Setenv("SCRIBE_HISTORY_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_HISTORY_MAX_ENTRIES", "123")
	t.Setenv("SCRIBE_CREDENTIALS_PATH", "/tmp/keys.json")
	t.Setenv("SCRIBE_STT_DEFAULT_MODEL", "remote_api:paraformer-v2")
	t.Setenv("SCRIBE_STT_DEVICE", "cuda")
	t.Setenv("SCRIBE_STT_LOCAL_PIPELINE_COMMAND", "/usr/bin/pipeline --fast")
	t.Setenv("SCRIBE_STT_REMOTE_API_LANGUAGE_HINTS", "en,ja")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.History.Path != "./tmp.db" || cfg.History.RetentionDays != 7 || cfg.History.MaxEntries != 123 {
		t.Fatalf("expected history overrides, got %+v", cfg.History)
	}
	if cfg.Credentials.Path != "/tmp/keys.json" {
		t.Fatalf("expected credentials path override")
	}
	if cfg.STT.DefaultModel != "remote_api:paraformer-v2" {
		t.Fatalf("expected default model override")
	}
	if cfg.STT.Device != "cuda" {
		t.Fatalf("expected device override")
	}
	if cfg.STT.LocalPipeline.Command != "/usr/bin/pipeline --fast" {
		t.Fatalf("expected pipeline command override")
	}
	if len(cfg.STT.RemoteAPI.LanguageHints) != 2 || cfg.STT.RemoteAPI.LanguageHints[1] != "ja" {
		t.Fatalf("expected language hints override, got %v", cfg.STT.RemoteAPI.LanguageHints)
	}
}

func TestValidateRejectsUnknownTask(t *testing.T) {
	t.Setenv("SCRIBE_STT_TASK", "summarize")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown task")
	}
}

func TestValidateRejectsUnknownDevice(t *testing.T) {
	t.Setenv("SCRIBE_STT_DEVICE", "tpu")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown device")
	}
}

func TestNodeOverridesAndValidation(t *testing.T) {
	t.Setenv("SCRIBE_NODE_ID", "desk-mic")
	t.Setenv("SCRIBE_NODE_HEARTBEAT_INTERVAL_MS", "500")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ID != "desk-mic" || cfg.Node.HeartbeatInterval != 500 || cfg.Node.Role != "stt" {
		t.Fatalf("unexpected node config %+v", cfg.Node)
	}

	t.Setenv("SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS", "100")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for timeout shorter than interval")
	}
}
