package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.HistoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if store.Enabled() {
		t.Fatal("ephemeral store should not open a database")
	}
	if err := store.Append(ctx, Entry{JobID: "j", Model: "local_model:base", Text: "dropped"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := store.Recent(ctx, 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected nothing recorded, got %v %v", entries, err)
	}
}

func TestAppendAndRecent(t *testing.T) {
	cfg := config.HistoryConfig{Path: filepath.Join(t.TempDir(), "data", "history.db"), RetentionMode: "persistent"}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	entries := []Entry{
		{JobID: "job-1", Model: "local_model:base", Task: "transcribe", Language: "zh", Text: "第一条", DurationMS: 1200},
		{JobID: "job-2", Model: "remote_api:paraformer-v2", Failure: "missing credential: aliyun"},
	}
	for _, e := range entries {
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].JobID != "job-2" || !got[0].Failed() {
		t.Fatalf("expected newest failed entry first, got %+v", got[0])
	}
	if got[1].Text != "第一条" || got[1].DurationMS != 1200 || got[1].Language != "zh" {
		t.Fatalf("unexpected entry %+v", got[1])
	}
	if got[1].CreatedAt.IsZero() {
		t.Fatal("expected created_at populated")
	}
}

func TestPruneByDaysAndEntries(t *testing.T) {
	cfg := config.HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxEntries: 2}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	store.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := store.Append(context.Background(), Entry{JobID: "old", Model: "m"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	store.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Append(context.Background(), Entry{JobID: id, Model: "m"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after prune, got %d", len(got))
	}
	if got[0].JobID != "c" || got[1].JobID != "b" {
		t.Fatalf("expected newest entries kept, got %s %s", got[0].JobID, got[1].JobID)
	}
}
