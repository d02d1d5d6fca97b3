package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// RemoteModelName is the single catalog entry of the remote backend and the
// sentinel its LoadModel returns.
const RemoteModelName = "paraformer-v2"

const (
	taskPending   = "PENDING"
	taskRunning   = "RUNNING"
	taskSucceeded = "SUCCEEDED"
)

type remoteSubmitRequest struct {
	Model      string           `json:"model"`
	Input      remoteInput      `json:"input"`
	Parameters remoteParameters `json:"parameters"`
}

type remoteInput struct {
	FileURLs []string `json:"file_urls"`
}

type remoteParameters struct {
	LanguageHints []string `json:"language_hints,omitempty"`
}

type remoteTaskResponse struct {
	RequestID string     `json:"request_id"`
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Output    remoteTask `json:"output"`
}

type remoteTask struct {
	TaskID     string             `json:"task_id"`
	TaskStatus string             `json:"task_status"`
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Results    []remoteTaskResult `json:"results"`
}

type remoteTaskResult struct {
	FileURL          string `json:"file_url"`
	TranscriptionURL string `json:"transcription_url"`
	SubtaskStatus    string `json:"subtask_status"`
	Code             string `json:"code"`
	Message          string `json:"message"`
}

// RemoteAPIBackend submits audio URLs to a hosted asynchronous
// transcription service and polls for the outcome.
type RemoteAPIBackend struct {
	endpoint       string
	credentialType string
	languageHints  []string
	pollInterval   time.Duration
	taskTimeout    time.Duration
	creds          CredentialSource
	client         *http.Client
	logger         *slog.Logger

	mu     sync.Mutex
	loaded bool
}

func NewRemoteAPIBackend(cfg config.STTConfig, creds CredentialSource, client *http.Client, logger *slog.Logger) *RemoteAPIBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteAPIBackend{
		endpoint:       strings.TrimRight(cfg.RemoteAPI.Endpoint, "/"),
		credentialType: cfg.RemoteAPI.CredentialType,
		languageHints:  append([]string(nil), cfg.RemoteAPI.LanguageHints...),
		pollInterval:   time.Duration(cfg.RemoteAPI.PollIntervalMS) * time.Millisecond,
		taskTimeout:    time.Duration(cfg.RemoteAPI.TaskTimeoutMS) * time.Millisecond,
		creds:          creds,
		client:         client,
		logger:         logger.With(slog.String("backend", string(KindRemoteAPI))),
	}
}

func (b *RemoteAPIBackend) Kind() Kind { return KindRemoteAPI }

// CredentialType names the credential store entry this backend needs.
func (b *RemoteAPIBackend) CredentialType() string { return b.credentialType }

func (b *RemoteAPIBackend) AvailableModels() []string {
	return []string{RemoteModelName}
}

// LoadModel has nothing to materialize locally.
func (b *RemoteAPIBackend) LoadModel(ctx context.Context, name string) (string, error) {
	if name != RemoteModelName {
		return "", fmt.Errorf("%w: unknown remote model %q", ErrModelLoad, name)
	}
	b.mu.Lock()
	b.loaded = true
	b.mu.Unlock()
	return RemoteModelName, nil
}

func (b *RemoteAPIBackend) UnloadModel() error {
	b.mu.Lock()
	b.loaded = false
	b.mu.Unlock()
	return nil
}

func (b *RemoteAPIBackend) Transcribe(ctx context.Context, path string, opts Options) (string, error) {
	if err := validateRemoteInput(path); err != nil {
		return "", err
	}
	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded {
		return "", ErrNoModelLoaded
	}

	secret, err := b.secret()
	if err != nil {
		return "", err
	}

	taskID, err := b.submit(ctx, secret, strings.TrimSpace(path), b.hints(opts))
	if err != nil {
		return "", err
	}
	b.logger.Info("task submitted", slog.String("task_id", taskID))

	pollCtx, cancel := context.WithTimeout(ctx, b.taskTimeout)
	defer cancel()
	task, err := b.await(pollCtx, secret, taskID)
	if err != nil {
		return "", err
	}

	var texts []string
	for _, result := range task.Results {
		if result.SubtaskStatus != "" && result.SubtaskStatus != taskSucceeded {
			return "", fmt.Errorf("subtask %s: %s %s", result.SubtaskStatus, result.Code, result.Message)
		}
		if result.TranscriptionURL == "" {
			continue
		}
		text, err := b.fetchTranscript(ctx, result.TranscriptionURL)
		if err != nil {
			return "", err
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, "\n"), nil
}

func (b *RemoteAPIBackend) secret() (string, error) {
	if b.creds == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingCredential, b.credentialType)
	}
	secret, ok, err := b.creds.Get(b.credentialType)
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	if !ok || secret == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingCredential, b.credentialType)
	}
	return secret, nil
}

func (b *RemoteAPIBackend) hints(opts Options) []string {
	lang := strings.TrimSpace(opts.Language)
	if lang != "" && lang != "auto" {
		return []string{lang}
	}
	return b.languageHints
}

func (b *RemoteAPIBackend) submit(ctx context.Context, secret, fileURL string, hints []string) (string, error) {
	payload := remoteSubmitRequest{
		Model:      RemoteModelName,
		Input:      remoteInput{FileURLs: []string{fileURL}},
		Parameters: remoteParameters{LanguageHints: hints},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/services/audio/asr/transcription", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DashScope-Async", "enable")
	req.Header.Set("Authorization", "Bearer "+secret)

	var resp remoteTaskResponse
	if err := b.do(req, &resp); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	if resp.Output.TaskID == "" {
		return "", fmt.Errorf("submit task: response missing task id")
	}
	return resp.Output.TaskID, nil
}

func (b *RemoteAPIBackend) await(ctx context.Context, secret, taskID string) (remoteTask, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		task, err := b.fetchTask(ctx, secret, taskID)
		if err != nil {
			return remoteTask{}, err
		}
		switch task.TaskStatus {
		case taskSucceeded:
			return task, nil
		case taskPending, taskRunning:
		default:
			return remoteTask{}, fmt.Errorf("task %s %s: %s %s", taskID, task.TaskStatus, task.Code, task.Message)
		}
		select {
		case <-ctx.Done():
			return remoteTask{}, fmt.Errorf("task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *RemoteAPIBackend) fetchTask(ctx context.Context, secret, taskID string) (remoteTask, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/tasks/"+taskID, nil)
	if err != nil {
		return remoteTask{}, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	var resp remoteTaskResponse
	if err := b.do(req, &resp); err != nil {
		return remoteTask{}, fmt.Errorf("poll task: %w", err)
	}
	return resp.Output, nil
}

func (b *RemoteAPIBackend) fetchTranscript(ctx context.Context, transcriptionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, transcriptionURL, nil)
	if err != nil {
		return "", err
	}
	var raw any
	if err := b.do(req, &raw); err != nil {
		return "", fmt.Errorf("fetch transcript: %w", err)
	}
	if doc, ok := raw.(map[string]any); ok {
		if transcripts, ok := doc["transcripts"]; ok {
			return Normalize(transcripts), nil
		}
	}
	return Normalize(raw), nil
}

func (b *RemoteAPIBackend) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr remoteTaskResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
