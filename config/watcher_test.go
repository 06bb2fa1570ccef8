package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherHotReloadAppliesValidatedChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instrument.yaml")
	cfg := Default()
	cfg.ExpTimeOverHead = 1
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if got := w.Current().ExpTimeOverHead; got != 1 {
		t.Fatalf("initial ExpTimeOverHead = %v, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, errs, err := w.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	updated := Default()
	updated.ExpTimeOverHead = 9
	time.Sleep(20 * time.Millisecond)
	if err := Save(path, updated); err != nil {
		t.Fatalf("save updated: %v", err)
	}

	select {
	case ch := <-changes:
		if ch.Current.ExpTimeOverHead != 9 {
			t.Fatalf("expected reloaded ExpTimeOverHead 9, got %v", ch.Current.ExpTimeOverHead)
		}
	case err := <-errs:
		t.Fatalf("unexpected reload error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for hot reload")
	}

	if got := w.Current().ExpTimeOverHead; got != 9 {
		t.Fatalf("Current() not updated: got %v", got)
	}
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instrument.yaml")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("save: %v", err)
	}
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, errs, err := w.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("rawDataRoot: \"\"\n"), 0o644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload error")
	}
	if got := w.Current().RawDataRoot; got == "" {
		t.Fatalf("expected previous valid config to remain active")
	}
}
