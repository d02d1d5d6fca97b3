package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var localPipelineCatalog = []string{
	"iic/speech_paraformer-large-vad-punc_asr_nat-zh-cn-16k-common-vocab8404-pytorch",
}

const maxPipelineLine = 8 << 20

type pipelineRequest struct {
	Audio    string `json:"audio"`
	Language string `json:"language,omitempty"`
	Task     string `json:"task,omitempty"`
}

type pipelineResponse struct {
	Ready  bool            `json:"ready,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// LocalPipelineBackend drives a resident helper process that chains voice
// activity detection, recognition and punctuation restoration.
type LocalPipelineBackend struct {
	cmd          []string
	vadModel     string
	puncModel    string
	startTimeout time.Duration
	stopTimeout  time.Duration
	device       *deviceResolver
	logger       *slog.Logger

	mu       sync.Mutex
	proc     *pipelineProcess
	name     string
	resident atomic.Bool
}

type pipelineProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	done   chan struct{}
	quit   chan struct{}
	stderr *tailBuffer

	quitOnce sync.Once
	waitErr  error
}

func NewLocalPipelineBackend(cfg config.STTConfig, logger *slog.Logger) (*LocalPipelineBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.LocalPipeline.Command)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("pipeline command empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalPipelineBackend{
		cmd:          args,
		vadModel:     cfg.LocalPipeline.VADModel,
		puncModel:    cfg.LocalPipeline.PuncModel,
		startTimeout: time.Duration(cfg.LocalPipeline.StartTimeoutMS) * time.Millisecond,
		stopTimeout:  time.Duration(cfg.LocalPipeline.StopTimeoutMS) * time.Millisecond,
		device:       newDeviceResolver(cfg.Device),
		logger:       logger.With(slog.String("backend", string(KindLocalPipeline))),
	}, nil
}

func (b *LocalPipelineBackend) Kind() Kind { return KindLocalPipeline }

func (b *LocalPipelineBackend) AvailableModels() []string {
	return append([]string(nil), localPipelineCatalog...)
}

func (b *LocalPipelineBackend) LoadModel(ctx context.Context, name string) (string, error) {
	if !containsModel(localPipelineCatalog, name) {
		return "", fmt.Errorf("%w: unknown pipeline model %q", ErrModelLoad, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()

	device := b.device.Device()
	args := append([]string{}, b.cmd[1:]...)
	args = append(args, "--model", name, "--device", string(device))
	if b.vadModel != "" {
		args = append(args, "--vad-model", b.vadModel)
	}
	if b.puncModel != "" {
		args = append(args, "--punc-model", b.puncModel)
	}

	proc, err := startPipeline(b.cmd[0], args)
	if err != nil {
		return "", fmt.Errorf("%w: start pipeline: %v", ErrModelLoad, err)
	}
	if err := b.awaitReady(ctx, proc); err != nil {
		proc.kill()
		return "", fmt.Errorf("%w: %s: %v", ErrModelLoad, name, err)
	}
	b.proc = proc
	b.name = name
	b.resident.Store(true)
	b.logger.Info("pipeline ready", slog.String("model", name), slog.String("device", string(device)))
	return name, nil
}

func startPipeline(name string, args []string) (*pipelineProcess, error) {
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &pipelineProcess{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 1),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		stderr: stderr,
	}
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxPipelineLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case p.lines <- append([]byte(nil), line...):
			case <-p.quit:
			}
		}
		close(p.lines)
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (b *LocalPipelineBackend) awaitReady(ctx context.Context, p *pipelineProcess) error {
	timer := time.NewTimer(b.startTimeout)
	defer timer.Stop()
	select {
	case line, ok := <-p.lines:
		if !ok {
			<-p.done
			return p.exitError()
		}
		var resp pipelineResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode ready line: %w", err)
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if !resp.Ready {
			return fmt.Errorf("unexpected handshake %q", line)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("not ready after %s", b.startTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resident reports whether the helper process still serves the loaded model.
// It does not wait for an in-flight request.
func (b *LocalPipelineBackend) Resident() bool { return b.resident.Load() }

func (b *LocalPipelineBackend) UnloadModel() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	return nil
}

func (b *LocalPipelineBackend) stopLocked() {
	if b.proc == nil {
		return
	}
	p := b.proc
	b.proc = nil
	name := b.name
	b.name = ""
	b.resident.Store(false)

	p.abandon()
	p.stdin.Close()
	timer := time.NewTimer(b.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		b.logger.Warn("pipeline did not exit, killing", slog.String("model", name))
		p.kill()
	}
	b.logger.Info("pipeline stopped", slog.String("model", name))
	debug.FreeOSMemory()
}

func (b *LocalPipelineBackend) Transcribe(ctx context.Context, path string, opts Options) (string, error) {
	if err := validateLocalInput(path); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil {
		return "", ErrNoModelLoaded
	}

	req := pipelineRequest{Audio: path, Language: opts.Language, Task: string(opts.Task)}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	if _, err := b.proc.stdin.Write(data); err != nil {
		b.discardLocked()
		return "", fmt.Errorf("write pipeline request: %w", err)
	}

	select {
	case line, ok := <-b.proc.lines:
		if !ok {
			p := b.proc
			b.discardLocked()
			<-p.done
			return "", fmt.Errorf("pipeline exited: %w", p.exitError())
		}
		var resp pipelineResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return "", fmt.Errorf("decode pipeline response: %w", err)
		}
		if resp.Error != "" {
			return "", fmt.Errorf("pipeline: %s", resp.Error)
		}
		var raw any
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &raw); err != nil {
				return "", fmt.Errorf("decode pipeline result: %w", err)
			}
		}
		return Normalize(raw), nil
	case <-ctx.Done():
		// the response stream is now out of step with requests
		b.discardLocked()
		return "", ctx.Err()
	}
}

// discardLocked drops a helper that can no longer serve requests.
func (b *LocalPipelineBackend) discardLocked() {
	if b.proc == nil {
		return
	}
	b.resident.Store(false)
	b.proc.kill()
	b.logger.Warn("pipeline discarded", slog.String("model", b.name))
	b.proc = nil
	b.name = ""
}

// abandon stops delivering output lines so the reader can drain to EOF.
func (p *pipelineProcess) abandon() {
	p.quitOnce.Do(func() { close(p.quit) })
}

func (p *pipelineProcess) kill() {
	p.abandon()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.stdin.Close()
	<-p.done
}

func (p *pipelineProcess) exitError() error {
	msg := strings.TrimSpace(p.stderr.String())
	switch {
	case p.waitErr != nil && msg != "":
		return fmt.Errorf("%w: %s", p.waitErr, msg)
	case p.waitErr != nil:
		return p.waitErr
	case msg != "":
		return errors.New(msg)
	}
	return errors.New("helper closed its output")
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
