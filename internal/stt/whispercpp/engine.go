//go:build cgo

package whispercpp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Loader returns a model loader backed by whisper.cpp. threads <= 0 keeps the
// library default. GPU offload is decided when libwhisper is compiled, so the
// device is only logged.
func Loader(threads int, logger *slog.Logger) stt.ModelLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return func(path string, device stt.Device) (stt.ModelEngine, error) {
		model, err := whisper.New(path)
		if err != nil {
			return nil, fmt.Errorf("open whisper model: %w", err)
		}
		logger.Info("whisper model opened",
			slog.String("path", path),
			slog.String("device", string(device)),
			slog.Bool("multilingual", model.IsMultilingual()),
		)
		return &engine{model: model, threads: threads}, nil
	}
}

type engine struct {
	mu      sync.Mutex
	model   whisper.Model
	threads int
}

type segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func (e *engine) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, fmt.Errorf("whisper model closed")
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("new whisper context: %w", err)
	}
	wctx.SetTranslate(opts.Task == stt.TaskTranslate)
	if e.threads > 0 {
		wctx.SetThreads(uint(e.threads))
	}
	if e.model.IsMultilingual() {
		lang := strings.TrimSpace(opts.Language)
		if lang == "" {
			lang = "auto"
		}
		if err := wctx.SetLanguage(lang); err != nil {
			return nil, fmt.Errorf("set language %q: %w", lang, err)
		}
	}

	// returning false from the encoder callback aborts the run
	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, proceed, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper process: %w", err)
	}

	var (
		text     strings.Builder
		segments []segment
	)
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}
		text.WriteString(seg.Text)
		segments = append(segments, segment{
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
			Text:  strings.TrimSpace(seg.Text),
		})
	}

	return map[string]any{
		"text":     strings.TrimSpace(text.String()),
		"language": wctx.DetectedLanguage(),
		"segments": segments,
	}, nil
}

func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}
