package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
	"github.com/loqalabs/loqa-scribe/internal/history"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Service exposes a Coordinator over NATS request/reply subjects and
// broadcasts finished jobs on stt.text.final.
type Service struct {
	bus     *bus.Client
	coord   *Coordinator
	history *history.Store
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu      sync.Mutex
	ready   bool
	durable bool
}

func NewService(parent context.Context, busClient *bus.Client, coord *Coordinator, store *history.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = busClient.Logger()
	}
	return &Service{
		bus:     busClient,
		coord:   coord,
		history: store,
		log:     logger.With(slog.String("component", "stt-service")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if err := s.bus.EnsureStream(protocol.StreamTranscripts, []string{protocol.SubjectTranscriptFinal}, 24*time.Hour); err != nil {
		s.log.Warn("transcripts will not be retained on the bus", slogError(err))
	} else {
		s.durable = true
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectModelsList:     s.handleList,
		protocol.SubjectModelsLoad:     s.handleLoad,
		protocol.SubjectModelsUnload:   s.handleUnload,
		protocol.SubjectCredentialsSet: s.handleSetCredential,
		protocol.SubjectJobRequest:     s.handleJob,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleList(msg *nats.Msg) {
	reply := protocol.ModelList{Models: s.coord.ListAllModels()}
	if info, ok := s.coord.CurrentModelInfo(); ok {
		reply.Current = &protocol.ModelInfo{Kind: string(info.Kind), Name: info.Name}
	}
	s.respond(msg, reply)
}

func (s *Service) handleLoad(msg *nats.Msg) {
	var req protocol.LoadModelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, failure(fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)))
		return
	}
	if err := s.coord.Load(s.ctx, req.Model); err != nil {
		s.respond(msg, failure(err))
		return
	}
	s.respond(msg, protocol.Reply{OK: true})
}

func (s *Service) handleUnload(msg *nats.Msg) {
	if err := s.coord.Unload(); err != nil {
		s.respond(msg, failure(err))
		return
	}
	s.respond(msg, protocol.Reply{OK: true})
}

func (s *Service) handleSetCredential(msg *nats.Msg) {
	var req protocol.SetCredentialRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, failure(fmt.Errorf("%w: %v", ErrInvalidInput, err)))
		return
	}
	if err := s.coord.SetCredential(req.BackendType, req.Secret); err != nil {
		s.respond(msg, failure(err))
		return
	}
	s.respond(msg, protocol.Reply{OK: true})
}

func (s *Service) handleJob(msg *nats.Msg) {
	var req protocol.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, failure(fmt.Errorf("%w: %v", ErrInvalidInput, err)))
		return
	}
	task, err := ParseTask(req.Task)
	if err != nil {
		s.respond(msg, failure(err))
		return
	}

	var path, source string
	if len(req.PCM) > 0 {
		path, err = writeTempWAV(req.PCM, req.SampleRate, req.Channels)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		source = "pcm"
	} else {
		// jobs delete their input; never hand them a caller's file
		path, err = StageInput(req.Path)
		source = req.Path
	}
	if err != nil {
		s.respond(msg, failure(err))
		return
	}

	job, err := s.coord.CreateJob(path, task, req.Language)
	if err == nil {
		var handle *JobHandle
		handle, err = NewRunner(job, s.log).Start(s.ctx)
		if err == nil {
			s.wg.Add(1)
			go s.awaitJob(job, handle, source)
			s.respond(msg, protocol.Reply{OK: true, JobID: job.ID})
			return
		}
	}
	RemoveStaged(req.Path, path)
	s.respond(msg, failure(err))
}

func (s *Service) awaitJob(job *Job, handle *JobHandle, source string) {
	defer s.wg.Done()
	res := <-handle.Done()
	s.publishTranscript(res)
	if err := RecordResult(context.Background(), s.history, job, res, source); err != nil {
		s.log.Warn("failed to record transcript", slogError(err))
	}
}

func (s *Service) publishTranscript(res Result) {
	msg := protocol.Transcript{
		JobID:      res.JobID,
		Model:      res.Model.String(),
		Text:       res.Text,
		Failed:     res.Failed(),
		Error:      res.Failure,
		Timestamp:  time.Now().UTC(),
		DurationMS: res.Duration.Milliseconds(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if s.durable {
		_, err := s.bus.JetStream().Publish(protocol.SubjectTranscriptFinal, data)
		if err == nil {
			return
		}
		s.log.Warn("stream publish failed, falling back to core publish", slogError(err))
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscriptFinal, data); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

// RecordResult appends a finished job to the transcript history.
func RecordResult(ctx context.Context, store *history.Store, job *Job, res Result, source string) error {
	if store == nil {
		return nil
	}
	return store.Append(ctx, history.Entry{
		JobID:      res.JobID,
		Model:      res.Model.String(),
		Source:     source,
		Task:       string(job.Task),
		Language:   job.Language,
		Text:       res.Text,
		Failure:    res.Failure,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func writeTempWAV(pcm []byte, sampleRate, channels int) (string, error) {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	f, err := os.CreateTemp("", "scribe-*.wav")
	if err != nil {
		return "", err
	}
	if err := audio.WritePCM16(f, pcm, sampleRate, channels); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func failure(err error) protocol.Reply {
	return protocol.Reply{OK: false, Error: err.Error(), Code: ErrorCode(err)}
}

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidIdentifier):
		return protocol.CodeInvalidIdentifier
	case errors.Is(err, ErrUnsupportedBackend):
		return protocol.CodeUnsupportedBackend
	case errors.Is(err, ErrMissingCredential):
		return protocol.CodeMissingCredential
	case errors.Is(err, ErrModelLoad):
		return protocol.CodeModelLoad
	case errors.Is(err, ErrBusy):
		return protocol.CodeBusy
	case errors.Is(err, ErrNoModelLoaded):
		return protocol.CodeNoModel
	case errors.Is(err, ErrModelChanged):
		return protocol.CodeModelChanged
	case errors.Is(err, ErrInvalidInput):
		return protocol.CodeInvalidInput
	case errors.Is(err, ErrUnsupportedInput):
		return protocol.CodeUnsupportedInput
	case errors.Is(err, credentials.ErrUnsupportedType):
		return protocol.CodeUnsupportedType
	}
	return protocol.CodeInternal
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
