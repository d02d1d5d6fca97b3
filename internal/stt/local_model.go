package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ModelEngine is a resident speech model operating on 16 kHz mono samples.
type ModelEngine interface {
	// Transcribe returns the engine's raw result; callers pass it through Normalize.
	Transcribe(ctx context.Context, samples []float32, opts Options) (any, error)
	Close() error
}

// ModelLoader opens the weights at path on the given device.
type ModelLoader func(path string, device Device) (ModelEngine, error)

var localModelFiles = map[string]string{
	"base":     "ggml-base.bin",
	"turbo":    "ggml-large-v3-turbo.bin",
	"large-v3": "ggml-large-v3.bin",
}

var localModelCatalog = []string{"base", "turbo", "large-v3"}

// LocalModelBackend keeps one general-purpose speech model in memory.
type LocalModelBackend struct {
	modelsDir string
	loader    ModelLoader
	device    *deviceResolver
	logger    *slog.Logger

	mu     sync.Mutex
	engine ModelEngine
	name   string
}

func NewLocalModelBackend(cfg config.STTConfig, loader ModelLoader, logger *slog.Logger) *LocalModelBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalModelBackend{
		modelsDir: cfg.LocalModel.ModelsDir,
		loader:    loader,
		device:    newDeviceResolver(cfg.Device),
		logger:    logger.With(slog.String("backend", string(KindLocalModel))),
	}
}

func (b *LocalModelBackend) Kind() Kind { return KindLocalModel }

func (b *LocalModelBackend) AvailableModels() []string {
	return append([]string(nil), localModelCatalog...)
}

func (b *LocalModelBackend) LoadModel(ctx context.Context, name string) (string, error) {
	file, ok := localModelFiles[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown local model %q", ErrModelLoad, name)
	}
	if b.loader == nil {
		return "", fmt.Errorf("%w: no model loader configured", ErrModelLoad)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()

	path := filepath.Join(b.modelsDir, file)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: weights for %s: %v", ErrModelLoad, name, err)
	}
	device := b.device.Device()
	engine, err := b.loader(path, device)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrModelLoad, name, err)
	}
	b.engine = engine
	b.name = name
	b.logger.Info("model loaded", slog.String("model", name), slog.String("device", string(device)), slog.String("path", path))
	return name, nil
}

func (b *LocalModelBackend) UnloadModel() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releaseLocked()
}

func (b *LocalModelBackend) releaseLocked() error {
	if b.engine == nil {
		return nil
	}
	err := b.engine.Close()
	b.logger.Info("model unloaded", slog.String("model", b.name))
	b.engine = nil
	b.name = ""
	debug.FreeOSMemory()
	if err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

func (b *LocalModelBackend) Transcribe(ctx context.Context, path string, opts Options) (string, error) {
	if err := validateLocalInput(path); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		return "", ErrNoModelLoaded
	}
	samples, err := audio.DecodeFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	raw, err := b.engine.Transcribe(ctx, samples, opts)
	if err != nil {
		return "", fmt.Errorf("%s transcribe: %w", b.name, err)
	}
	return Normalize(raw), nil
}
