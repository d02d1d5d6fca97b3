package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/atotto/clipboard"
	"github.com/joho/godotenv"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
	"github.com/loqalabs/loqa-scribe/internal/history"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/stt/whispercpp"
)

type commonFlags struct {
	configPath string
	verbose    bool
}

func newFlagSet(name string, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&common.configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	fs.BoolVar(&common.verbose, "v", false, "Log progress to stderr")
	return fs
}

func (c commonFlags) load() (config.Config, *slog.Logger, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return config.Config{}, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, nil, err
	}
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func runModels(args []string, stdout io.Writer) error {
	var common commonFlags
	fs := newFlagSet("models", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	coord, err := newCoordinator(cfg, credentials.New(cfg.Credentials.Path, logger), logger)
	if err != nil {
		return err
	}
	for _, model := range coord.ListAllModels() {
		marker := " "
		if model == cfg.STT.DefaultModel {
			marker = "*"
		}
		fmt.Fprintf(stdout, "%s %s\n", marker, model)
	}
	return nil
}

func runTranscribe(args []string, stdout io.Writer) error {
	var (
		common   commonFlags
		model    string
		task     string
		language string
		copyText bool
	)
	fs := newFlagSet("transcribe", &common)
	fs.StringVar(&model, "model", "", "Model as kind:name (defaults to stt.default_model)")
	fs.StringVar(&task, "task", "", "transcribe or translate")
	fs.StringVar(&language, "language", "", "Language hint, e.g. zh, en or auto")
	fs.BoolVar(&copyText, "clipboard", false, "Copy the result to the clipboard")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: scribe transcribe [flags] <audio file or URL>")
	}
	source := fs.Arg(0)

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	if model == "" {
		model = cfg.STT.DefaultModel
	}
	if model == "" {
		return errors.New("no model selected: pass -model or set stt.default_model")
	}
	var parsedTask stt.Task
	if task != "" {
		if parsedTask, err = stt.ParseTask(task); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	coord, err := newCoordinator(cfg, credentials.New(cfg.Credentials.Path, logger), logger)
	if err != nil {
		return err
	}
	if err := coord.Load(ctx, model); err != nil {
		return err
	}
	defer coord.Unload()

	input, err := stt.StageInput(source)
	if err != nil {
		return err
	}
	job, err := coord.CreateJob(input, parsedTask, language)
	if err != nil {
		stt.RemoveStaged(source, input)
		return err
	}
	handle, err := stt.NewRunner(job, logger).Start(ctx)
	if err != nil {
		stt.RemoveStaged(source, input)
		return err
	}
	res, err := handle.Wait(context.Background())
	if err != nil {
		return err
	}
	if err := stt.RecordResult(context.Background(), store, job, res, source); err != nil {
		logger.Warn("failed to record transcript", slog.String("error", err.Error()))
	}

	fmt.Fprintln(stdout, res.Message())
	if res.Failed() {
		return errors.New("transcription failed")
	}
	if copyText {
		if err := clipboard.WriteAll(res.Text); err != nil {
			return fmt.Errorf("copy to clipboard: %w", err)
		}
	}
	return nil
}

func runSetKey(args []string, stdout io.Writer) error {
	var (
		common      commonFlags
		backendType string
		secret      string
	)
	fs := newFlagSet("set-key", &common)
	fs.StringVar(&backendType, "type", "", "Credential type (see key-types)")
	fs.StringVar(&secret, "secret", "", "API secret; read from SCRIBE_API_SECRET when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	if secret == "" {
		secret = os.Getenv("SCRIBE_API_SECRET")
	}
	store := credentials.New(cfg.Credentials.Path, logger)
	if err := store.Set(backendType, secret); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored %s key in %s\n", backendType, store.Path())
	return nil
}

func runKeyTypes(args []string, stdout io.Writer) error {
	var common commonFlags
	fs := newFlagSet("key-types", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	configured, err := credentials.New(cfg.Credentials.Path, logger).Configured()
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(configured))
	for _, id := range configured {
		set[id] = true
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, t := range credentials.SupportedTypes() {
		status := "-"
		if set[t.ID] {
			status = "configured"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.DisplayName, status)
	}
	return w.Flush()
}

func runHistory(args []string, stdout io.Writer) error {
	var (
		common commonFlags
		limit  int
	)
	fs := newFlagSet("history", &common)
	fs.IntVar(&limit, "limit", 20, "Number of entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	store, err := history.Open(context.Background(), cfg.History, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(context.Background(), limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		text := e.Text
		if e.Failed() {
			text = "FAILED: " + e.Failure
		}
		fmt.Fprintf(stdout, "%s  %s  %s\n  %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Model, e.Source, text)
	}
	return nil
}

func newCoordinator(cfg config.Config, creds *credentials.Store, logger *slog.Logger) (*stt.Coordinator, error) {
	adapters, err := stt.BuildAdapters(cfg.STT, creds, whispercpp.Loader(cfg.STT.LocalModel.Threads, logger), logger)
	if err != nil {
		return nil, err
	}
	task, err := stt.ParseTask(cfg.STT.Task)
	if err != nil {
		return nil, err
	}
	return stt.NewCoordinator(creds, stt.Options{Language: cfg.STT.Language, Task: task}, logger, adapters...)
}
