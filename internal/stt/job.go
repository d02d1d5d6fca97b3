package stt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const failurePrefix = "recognition failed: "

// Job is one transcription request bound to the adapter that was resident
// when it was created.
type Job struct {
	ID       string
	Path     string
	Task     Task
	Language string
	Model    ModelID

	adapter Adapter
	acquire func(*Job) error
	release func(Result)
}

func (j *Job) options() Options {
	return Options{Language: j.Language, Task: j.Task}
}

// Result is the terminal event of a job. Exactly one of Text or Failure is meaningful.
type Result struct {
	JobID    string
	Model    ModelID
	Text     string
	Failure  string
	Duration time.Duration
}

func (r Result) Failed() bool { return r.Failure != "" }

// Message is the user-facing form of the result.
func (r Result) Message() string {
	if r.Failed() {
		return failurePrefix + r.Failure
	}
	return r.Text
}

// JobHandle observes a running job.
type JobHandle struct {
	ID    string
	Model ModelID
	done  <-chan Result
}

// Done delivers the single terminal result and is then closed.
func (h *JobHandle) Done() <-chan Result { return h.done }

// Wait blocks until the job finishes or ctx ends. The job keeps running when ctx ends first.
func (h *JobHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case res, ok := <-h.done:
		if !ok {
			return Result{}, fmt.Errorf("job %s result already consumed", h.ID)
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Runner executes a Job exactly once on a background goroutine.
type Runner struct {
	job    *Job
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	started bool
}

func NewRunner(job *Job, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		job:    job,
		logger: logger.With(slog.String("job_id", job.ID)),
		tracer: otel.Tracer(instrumentationName),
	}
}

// Start launches the job. A runner cannot be started twice, even when the
// first attempt was rejected.
func (r *Runner) Start(ctx context.Context) (*JobHandle, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, ErrJobReused
	}
	r.started = true
	r.mu.Unlock()

	if r.job.adapter == nil {
		return nil, ErrNoModelLoaded
	}
	if r.job.acquire != nil {
		if err := r.job.acquire(r.job); err != nil {
			return nil, err
		}
	}

	done := make(chan Result, 1)
	go r.run(ctx, done)
	return &JobHandle{ID: r.job.ID, Model: r.job.Model, done: done}, nil
}

func (r *Runner) run(ctx context.Context, done chan<- Result) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "stt.job", trace.WithAttributes(
		attribute.String("job_id", r.job.ID),
		attribute.String("model", r.job.Model.String()),
	))
	defer span.End()

	res := Result{JobID: r.job.ID, Model: r.job.Model}
	text, err := transcribeRecovering(ctx, r.job)
	if err != nil {
		res.Failure = failureText(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("job failed", slog.String("model", r.job.Model.String()), slog.String("error", res.Failure))
	} else {
		res.Text = text
	}
	res.Duration = time.Since(start)

	r.cleanup()
	if r.job.release != nil {
		r.job.release(res)
	}
	r.logger.Info("job finished", slog.Bool("failed", res.Failed()), slog.Duration("duration", res.Duration))
	done <- res
	close(done)
}

// transcribeRecovering turns an adapter panic into an error.
func transcribeRecovering(ctx context.Context, job *Job) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return job.adapter.Transcribe(ctx, job.Path, job.options())
}

// cleanup removes the job's temporary input file whatever the outcome.
func (r *Runner) cleanup() {
	if r.job.Path == "" || IsRemoteResource(r.job.Path) {
		return
	}
	if err := os.Remove(r.job.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("failed to remove input file", slog.String("path", r.job.Path), slog.String("error", err.Error()))
	}
}
