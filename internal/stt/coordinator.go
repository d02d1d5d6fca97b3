package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// credentialed is implemented by adapters that need a stored API secret.
type credentialed interface {
	CredentialType() string
}

// residencyReporter is implemented by adapters that can lose their model on
// their own, such as when a helper process dies.
type residencyReporter interface {
	Resident() bool
}

// Coordinator owns the set of adapters and guarantees that at most one model
// is resident and at most one transcription is in flight.
type Coordinator struct {
	adapters map[Kind]Adapter
	creds    CredentialSource
	defaults Options
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *coordinatorMetrics

	mu      sync.Mutex
	active  Adapter
	current ModelID
	busy    bool
}

// BuildAdapters constructs one adapter per backend kind from configuration.
func BuildAdapters(cfg config.STTConfig, creds CredentialSource, loader ModelLoader, logger *slog.Logger) ([]Adapter, error) {
	pipeline, err := NewLocalPipelineBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	return []Adapter{
		NewLocalModelBackend(cfg, loader, logger),
		pipeline,
		NewRemoteAPIBackend(cfg, creds, nil, logger),
	}, nil
}

func NewCoordinator(creds CredentialSource, defaults Options, logger *slog.Logger, adapters ...Adapter) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Task == "" {
		defaults.Task = TaskTranscribe
	}
	c := &Coordinator{
		adapters: make(map[Kind]Adapter, len(adapters)),
		creds:    creds,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "stt-coordinator")),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, adapter := range adapters {
		kind := adapter.Kind()
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: adapter kind %q", ErrUnsupportedBackend, kind)
		}
		if _, exists := c.adapters[kind]; exists {
			return nil, fmt.Errorf("duplicate adapter for %s", kind)
		}
		c.adapters[kind] = adapter
	}

	metrics, err := newCoordinatorMetrics(c.residentSnapshot)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		c.metrics = metrics
	}
	return c, nil
}

// ListAllModels returns every selectable "kind:name" across registered backends.
func (c *Coordinator) ListAllModels() []string {
	var out []string
	for _, kind := range Kinds() {
		adapter, ok := c.adapters[kind]
		if !ok {
			continue
		}
		for _, name := range adapter.AvailableModels() {
			out = append(out, ModelID{Kind: kind, Name: name}.String())
		}
	}
	return out
}

// Load switches the resident model. Requests rejected during validation leave
// the current model untouched; a failure after the switch starts leaves none.
func (c *Coordinator) Load(ctx context.Context, raw string) error {
	ctx, span := c.tracer.Start(ctx, "stt.load", trace.WithAttributes(attribute.String("model", raw)))
	defer span.End()

	err := c.load(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Coordinator) load(ctx context.Context, raw string) error {
	id, err := ParseModelID(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	adapter, ok := c.adapters[id.Kind]
	if !ok {
		return fmt.Errorf("%w: %s is not registered", ErrUnsupportedBackend, id.Kind)
	}
	if !containsModel(adapter.AvailableModels(), id.Name) {
		return fmt.Errorf("%w: %s has no model %q", ErrModelLoad, id.Kind, id.Name)
	}
	if err := c.checkCredential(adapter); err != nil {
		return err
	}

	if err := c.unloadLocked(); err != nil {
		c.logger.Warn("unload before switch failed", slog.String("error", err.Error()))
	}

	name, err := adapter.LoadModel(ctx, id.Name)
	c.metrics.recordLoad(ctx, id.Kind, err)
	if err != nil {
		if !errors.Is(err, ErrModelLoad) {
			err = fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		c.logger.Error("model load failed", slog.String("model", id.String()), slog.String("error", err.Error()))
		return err
	}
	c.active = adapter
	c.current = ModelID{Kind: id.Kind, Name: name}
	c.logger.Info("model active", slog.String("model", c.current.String()))
	return nil
}

func (c *Coordinator) checkCredential(adapter Adapter) error {
	needs, ok := adapter.(credentialed)
	if !ok {
		return nil
	}
	credType := needs.CredentialType()
	if c.creds == nil {
		return fmt.Errorf("%w: %s", ErrMissingCredential, credType)
	}
	secret, found, err := c.creds.Get(credType)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	if !found || secret == "" {
		return fmt.Errorf("%w: %s", ErrMissingCredential, credType)
	}
	return nil
}

// Unload releases the resident model, if any.
func (c *Coordinator) Unload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	return c.unloadLocked()
}

func (c *Coordinator) unloadLocked() error {
	if c.active == nil {
		return nil
	}
	adapter := c.active
	previous := c.current
	c.active = nil
	c.current = ModelID{}
	if err := adapter.UnloadModel(); err != nil {
		return fmt.Errorf("unload %s: %w", previous, err)
	}
	c.logger.Info("model unloaded", slog.String("model", previous.String()))
	return nil
}

// CurrentModelInfo reports the resident model; ok is false when none is loaded.
func (c *Coordinator) CurrentModelInfo() (ModelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLostLocked()
	if c.active == nil {
		return ModelInfo{}, false
	}
	return ModelInfo{Kind: c.current.Kind, Name: c.current.Name}, true
}

// Transcribe runs a synchronous recognition with the default options.
func (c *Coordinator) Transcribe(ctx context.Context, path string) (text string, err error) {
	job, err := c.CreateJob(path, c.defaults.Task, c.defaults.Language)
	if err != nil {
		return "", err
	}
	if err := c.acquire(job); err != nil {
		return "", err
	}
	ctx, span := c.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(attribute.String("model", job.Model.String())))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.release(Result{JobID: job.ID, Model: job.Model, Text: text, Failure: failureText(err), Duration: time.Since(start)})
	}()

	return transcribeRecovering(ctx, job)
}

// CreateJob binds a new job to the currently resident model.
func (c *Coordinator) CreateJob(path string, task Task, language string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLostLocked()
	if c.active == nil {
		return nil, ErrNoModelLoaded
	}
	if task == "" {
		task = c.defaults.Task
	}
	if language == "" {
		language = c.defaults.Language
	}
	return &Job{
		ID:       uuid.NewString(),
		Path:     path,
		Task:     task,
		Language: language,
		Model:    c.current,
		adapter:  c.active,
		acquire:  c.acquire,
		release:  c.release,
	}, nil
}

// TranscribeAsync starts a background job with the default options.
func (c *Coordinator) TranscribeAsync(ctx context.Context, path string) (*JobHandle, error) {
	job, err := c.CreateJob(path, c.defaults.Task, c.defaults.Language)
	if err != nil {
		return nil, err
	}
	return NewRunner(job, c.logger).Start(ctx)
}

// SetCredential stores an API secret for the given backend type.
func (c *Coordinator) SetCredential(backendType, secret string) error {
	if c.creds == nil {
		return fmt.Errorf("no credential store configured")
	}
	return c.creds.Set(backendType, secret)
}

// dropLostLocked forgets a model its adapter no longer holds.
func (c *Coordinator) dropLostLocked() {
	if c.active == nil {
		return
	}
	if r, ok := c.active.(residencyReporter); ok && !r.Resident() {
		c.logger.Warn("resident model lost", slog.String("model", c.current.String()))
		c.active = nil
		c.current = ModelID{}
	}
}

func (c *Coordinator) acquire(job *Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLostLocked()
	if c.active == nil {
		return ErrNoModelLoaded
	}
	if c.active != job.adapter || c.current != job.Model {
		return fmt.Errorf("%w: job bound to %s, active is %s", ErrModelChanged, job.Model, c.current)
	}
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	return nil
}

func (c *Coordinator) release(res Result) {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
	c.metrics.recordJob(context.Background(), res.Model, res.Failed(), res.Duration)
}

func (c *Coordinator) residentSnapshot() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLostLocked()
	if c.active == nil {
		return 0, ""
	}
	return 1, string(c.current.Kind)
}

// failureText never returns "" for a non-nil error so the result still reads as failed.
func failureText(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown error"
}
