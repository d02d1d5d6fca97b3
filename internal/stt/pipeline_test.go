package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

const helperEnv = "SCRIBE_PIPELINE_HELPER"

// TestPipelineHelperProcess is not a real test; it stands in for the
// recognition helper when re-executed by the pipeline backend.
func TestPipelineHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	flags := map[string]string{}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	for i := 0; i+1 < len(args); i += 2 {
		flags[strings.TrimPrefix(args[i], "--")] = args[i+1]
	}

	switch mode {
	case "never-ready":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "crash":
		fmt.Fprintln(os.Stderr, "cuda init failed")
		os.Exit(3)
	}

	fmt.Println(`{"ready":true}`)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req pipelineRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Printf("{\"error\":%q}\n", err.Error())
			continue
		}
		if mode == "die-on-request" {
			os.Exit(4)
		}
		if strings.HasSuffix(req.Audio, "silence.wav") {
			fmt.Println(`{"error":"vad found no speech"}`)
			continue
		}
		echo := fmt.Sprintf("model=%s device=%s vad=%s punc=%s lang=%s", flags["model"], flags["device"], flags["vad-model"], flags["punc-model"], req.Language)
		data, _ := json.Marshal(map[string]any{
			"result": []any{map[string]any{"text": "你好"}, map[string]any{"text": echo}},
		})
		fmt.Println(string(data))
	}
	os.Exit(0)
}

func newPipelineBackend(t *testing.T, mode string, mutate func(*config.STTConfig)) *LocalPipelineBackend {
	t.Helper()
	t.Setenv(helperEnv, mode)
	cfg := config.Default().STT
	cfg.Device = "cpu"
	cfg.LocalPipeline.Command = fmt.Sprintf("%q -test.run=TestPipelineHelperProcess --", os.Args[0])
	cfg.LocalPipeline.VADModel = "vad-small"
	cfg.LocalPipeline.PuncModel = "punc-small"
	cfg.LocalPipeline.StartTimeoutMS = 10000
	cfg.LocalPipeline.StopTimeoutMS = 2000
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := NewLocalPipelineBackend(cfg, newLogger())
	if err != nil {
		t.Fatalf("new pipeline backend: %v", err)
	}
	t.Cleanup(func() { _ = b.UnloadModel() })
	return b
}

func touchWAV(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestPipelineLoadAndTranscribe(t *testing.T) {
	b := newPipelineBackend(t, "serve", nil)
	model := localPipelineCatalog[0]
	name, err := b.LoadModel(context.Background(), model)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if name != model {
		t.Fatalf("expected %s, got %s", model, name)
	}

	text, err := b.Transcribe(context.Background(), touchWAV(t, "speech.wav"), Options{Language: "zh"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	want := "你好 model=" + model + " device=cpu vad=vad-small punc=punc-small lang=zh"
	if text != want {
		t.Fatalf("expected %q, got %q", want, text)
	}

	if _, err := b.Transcribe(context.Background(), touchWAV(t, "silence.wav"), Options{}); err == nil || !strings.Contains(err.Error(), "vad found no speech") {
		t.Fatalf("expected helper error surfaced, got %v", err)
	}
	// the helper keeps serving after a per-request error
	if _, err := b.Transcribe(context.Background(), touchWAV(t, "again.mp3"), Options{}); err != nil {
		t.Fatalf("transcribe after error: %v", err)
	}

	if err := b.UnloadModel(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := b.Transcribe(context.Background(), touchWAV(t, "late.wav"), Options{}); !errors.Is(err, ErrNoModelLoaded) {
		t.Fatalf("expected no model loaded, got %v", err)
	}
}

func TestPipelineDisabledSubModels(t *testing.T) {
	b := newPipelineBackend(t, "serve", func(cfg *config.STTConfig) {
		cfg.LocalPipeline.VADModel = ""
		cfg.LocalPipeline.PuncModel = ""
	})
	if _, err := b.LoadModel(context.Background(), localPipelineCatalog[0]); err != nil {
		t.Fatalf("load: %v", err)
	}
	text, err := b.Transcribe(context.Background(), touchWAV(t, "speech.wav"), Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(text, "vad= punc=") {
		t.Fatalf("expected sub-model flags omitted, got %q", text)
	}
}

func TestPipelineRejectsBadInputBeforeHelper(t *testing.T) {
	b := newPipelineBackend(t, "die-on-request", nil)
	if _, err := b.LoadModel(context.Background(), localPipelineCatalog[0]); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := b.Transcribe(context.Background(), touchWAV(t, "clip.flac"), Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	// the helper would have exited had it seen a request
	if b.proc == nil {
		t.Fatal("expected helper still running")
	}
}

func TestPipelineUnknownModel(t *testing.T) {
	b := newPipelineBackend(t, "serve", nil)
	if _, err := b.LoadModel(context.Background(), "iic/other"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
}

func TestPipelineStartTimeout(t *testing.T) {
	b := newPipelineBackend(t, "never-ready", func(cfg *config.STTConfig) {
		cfg.LocalPipeline.StartTimeoutMS = 200
	})
	start := time.Now()
	if _, err := b.LoadModel(context.Background(), localPipelineCatalog[0]); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("expected load to give up near the start timeout")
	}
}

func TestPipelineCrashOnStart(t *testing.T) {
	b := newPipelineBackend(t, "crash", nil)
	_, err := b.LoadModel(context.Background(), localPipelineCatalog[0])
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
	if !strings.Contains(err.Error(), "cuda init failed") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestPipelineHelperExitMidSession(t *testing.T) {
	b := newPipelineBackend(t, "die-on-request", nil)
	if _, err := b.LoadModel(context.Background(), localPipelineCatalog[0]); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := b.Transcribe(context.Background(), touchWAV(t, "speech.wav"), Options{}); err == nil || !strings.Contains(err.Error(), "pipeline exited") {
		t.Fatalf("expected exit error, got %v", err)
	}
	if _, err := b.Transcribe(context.Background(), touchWAV(t, "speech.wav"), Options{}); !errors.Is(err, ErrNoModelLoaded) {
		t.Fatalf("expected helper discarded, got %v", err)
	}
}

func TestCoordinatorForgetsDeadPipeline(t *testing.T) {
	b := newPipelineBackend(t, "die-on-request", nil)
	coord, err := NewCoordinator(&memCreds{}, Options{}, newLogger(), b)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := coord.Load(context.Background(), "local_pipeline:"+localPipelineCatalog[0]); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := coord.CurrentModelInfo(); !ok {
		t.Fatal("expected the pipeline model resident")
	}
	if _, err := coord.Transcribe(context.Background(), touchWAV(t, "speech.wav")); err == nil {
		t.Fatal("expected the helper exit to surface")
	}
	if info, ok := coord.CurrentModelInfo(); ok {
		t.Fatalf("expected no model after helper exit, got %+v", info)
	}
	if _, err := coord.CreateJob(touchWAV(t, "speech.wav"), TaskTranscribe, ""); !errors.Is(err, ErrNoModelLoaded) {
		t.Fatalf("expected no model error, got %v", err)
	}
}
