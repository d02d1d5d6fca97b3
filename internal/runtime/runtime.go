package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
	"github.com/loqalabs/loqa-scribe/internal/history"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	loader      stt.ModelLoader
	httpServer  *http.Server
	metricsSrv  *http.Server
	metrics     http.Handler
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	history  *history.Store
	coord    *stt.Coordinator
	service  *stt.Service
	registry *capability.Registry
}

// New builds a runtime. loader opens local_model weights and may be nil when
// that backend is unavailable in this build.
func New(cfg config.Config, logger *slog.Logger, loader stt.ModelLoader) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		loader: loader,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.closeTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			r.serveMetrics(bind)
		} else {
			mux.Handle("/metrics", r.metrics)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if r.history.Enabled() {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopServices()
	r.closeTelemetry(shutdownCtx)
	return nil
}

func (r *Runtime) serveMetrics(bind string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics)
	r.metricsSrv = &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics endpoint started", slog.String("addr", bind))
}

func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if url := embedded.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.bus = client
	}

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	r.history = store

	creds := credentials.New(r.cfg.Credentials.Path, r.logger)
	adapters, err := stt.BuildAdapters(r.cfg.STT, creds, r.loader, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build backends: %w", err)
	}
	task, err := stt.ParseTask(r.cfg.STT.Task)
	if err != nil {
		return err
	}
	coord, err := stt.NewCoordinator(creds, stt.Options{Language: r.cfg.STT.Language, Task: task}, r.logger, adapters...)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	r.coord = coord

	if model := r.cfg.STT.DefaultModel; model != "" {
		if err := coord.Load(ctx, model); err != nil {
			r.logger.Warn("default model not loaded", slog.String("model", model), slog.String("error", err.Error()))
		}
	}

	if r.bus != nil {
		svc := stt.NewService(ctx, r.bus, coord, store, r.logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start stt service: %w", err)
		}
		r.service = svc

		registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.bus, describeSTT(coord), r.logger)
		if err != nil {
			return fmt.Errorf("failed to start capability registry: %w", err)
		}
		r.registry = registry
	}
	return nil
}

// describeSTT advertises the selectable models and the resident one.
func describeSTT(coord *stt.Coordinator) capability.Describer {
	return func() []capability.Capability {
		attrs := map[string]string{
			"models": strings.Join(coord.ListAllModels(), ","),
		}
		if info, ok := coord.CurrentModelInfo(); ok {
			attrs["current"] = stt.ModelID{Kind: info.Kind, Name: info.Name}.String()
		}
		return []capability.Capability{{Name: "stt.transcribe", Attributes: attrs}}
	}
}

func (r *Runtime) stopServices() {
	if r.registry != nil {
		r.registry.Close()
		r.registry = nil
	}
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	if r.coord != nil {
		if err := r.coord.Unload(); err != nil {
			r.logger.Warn("model unload on shutdown failed", slog.String("error", err.Error()))
		}
		r.coord = nil
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close failed", slog.String("error", err.Error()))
		}
		r.history = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.tracerClose = nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.history.Prune(ctx); err != nil {
				r.logger.Warn("history prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return r.service == nil || r.service.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
