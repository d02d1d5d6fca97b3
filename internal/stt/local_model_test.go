package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type fakeEngine struct {
	calls   int
	closed  bool
	samples int
	opts    Options
	result  any
	err     error
}

func (e *fakeEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (any, error) {
	e.calls++
	e.samples = len(samples)
	e.opts = opts
	return e.result, e.err
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

type loaderSpy struct {
	engines []*fakeEngine
	paths   []string
	devices []Device
	err     error
	result  any
}

func (l *loaderSpy) load(path string, device Device) (ModelEngine, error) {
	l.paths = append(l.paths, path)
	l.devices = append(l.devices, device)
	if l.err != nil {
		return nil, l.err
	}
	e := &fakeEngine{result: l.result}
	l.engines = append(l.engines, e)
	return e, nil
}

func newLocalBackend(t *testing.T, spy *loaderSpy) *LocalModelBackend {
	t.Helper()
	dir := t.TempDir()
	for _, file := range localModelFiles {
		if err := os.WriteFile(filepath.Join(dir, file), []byte("ggml"), 0o644); err != nil {
			t.Fatalf("write weights: %v", err)
		}
	}
	cfg := config.Default().STT
	cfg.Device = "cpu"
	cfg.LocalModel.ModelsDir = dir
	return NewLocalModelBackend(cfg, spy.load, newLogger())
}

func writeTestWAV(t *testing.T, name string, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	if err := audio.WritePCM16(f, make([]byte, frames*2), 16000, 1); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return path
}

func TestLocalModelLoadResolvesWeights(t *testing.T) {
	spy := &loaderSpy{}
	b := newLocalBackend(t, spy)
	name, err := b.LoadModel(context.Background(), "turbo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if name != "turbo" {
		t.Fatalf("expected turbo, got %q", name)
	}
	if filepath.Base(spy.paths[0]) != "ggml-large-v3-turbo.bin" {
		t.Fatalf("unexpected weights path %s", spy.paths[0])
	}
	if spy.devices[0] != DeviceCPU {
		t.Fatalf("expected cpu device, got %s", spy.devices[0])
	}

	if _, err := b.LoadModel(context.Background(), "base"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !spy.engines[0].closed {
		t.Fatal("expected previous engine closed on reload")
	}
}

func TestLocalModelLoadErrors(t *testing.T) {
	spy := &loaderSpy{}
	b := newLocalBackend(t, spy)
	if _, err := b.LoadModel(context.Background(), "tiny"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected model load error for unknown name, got %v", err)
	}

	cfg := config.Default().STT
	cfg.LocalModel.ModelsDir = t.TempDir()
	empty := NewLocalModelBackend(cfg, spy.load, newLogger())
	if _, err := empty.LoadModel(context.Background(), "base"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected model load error for missing weights, got %v", err)
	}

	failing := newLocalBackend(t, &loaderSpy{err: errors.New("out of memory")})
	if _, err := failing.LoadModel(context.Background(), "large-v3"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected model load error from loader, got %v", err)
	}
}

func TestLocalModelRejectsInputBeforeEngine(t *testing.T) {
	spy := &loaderSpy{result: map[string]any{"text": "never"}}
	b := newLocalBackend(t, spy)
	if _, err := b.LoadModel(context.Background(), "base"); err != nil {
		t.Fatalf("load: %v", err)
	}

	txt := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(txt, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, path := range []string{txt, filepath.Join(t.TempDir(), "missing.wav"), ""} {
		if _, err := b.Transcribe(context.Background(), path, Options{}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q: expected invalid input, got %v", path, err)
		}
	}
	if spy.engines[0].calls != 0 {
		t.Fatalf("expected engine untouched, got %d calls", spy.engines[0].calls)
	}
}

func TestLocalModelTranscribe(t *testing.T) {
	spy := &loaderSpy{result: map[string]any{"text": "会议开始", "language": "zh"}}
	b := newLocalBackend(t, spy)

	path := writeTestWAV(t, "clip.WAV", 8000)
	if _, err := b.Transcribe(context.Background(), path, Options{}); !errors.Is(err, ErrNoModelLoaded) {
		t.Fatalf("expected no model loaded, got %v", err)
	}

	if _, err := b.LoadModel(context.Background(), "base"); err != nil {
		t.Fatalf("load: %v", err)
	}
	text, err := b.Transcribe(context.Background(), path, Options{Language: "zh", Task: TaskTranslate})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "会议开始" {
		t.Fatalf("unexpected text %q", text)
	}
	engine := spy.engines[0]
	if engine.samples != 8000 {
		t.Fatalf("expected 8000 samples, got %d", engine.samples)
	}
	if engine.opts.Task != TaskTranslate {
		t.Fatalf("expected translate task forwarded, got %+v", engine.opts)
	}
}

func TestLocalModelUnload(t *testing.T) {
	spy := &loaderSpy{}
	b := newLocalBackend(t, spy)
	if err := b.UnloadModel(); err != nil {
		t.Fatalf("unload empty: %v", err)
	}
	if _, err := b.LoadModel(context.Background(), "base"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := b.UnloadModel(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !spy.engines[0].closed {
		t.Fatal("expected engine closed")
	}
	if _, err := b.Transcribe(context.Background(), writeTestWAV(t, "a.wav", 10), Options{}); !errors.Is(err, ErrNoModelLoaded) {
		t.Fatalf("expected no model loaded after unload, got %v", err)
	}
}
