package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher holds the single atomically-swapped InstrumentConfig pointer and,
// if started, a background goroutine that validates and swaps a candidate
// config on every write to its source file.
type Watcher struct {
	path    string
	current atomic.Pointer[InstrumentConfig]

	mu       sync.Mutex
	fswatch  *fsnotify.Watcher
	watching bool
}

// Change describes a successfully validated and applied configuration
// reload.
type Change struct {
	Previous *InstrumentConfig
	Current  *InstrumentConfig
}

// NewWatcher loads path (or Default() if absent) and returns a Watcher
// holding it. Call Watch to begin hot-reloading.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the active InstrumentConfig snapshot. Safe for concurrent
// use with Watch's reload goroutine.
func (w *Watcher) Current() *InstrumentConfig {
	return w.current.Load()
}

// Watch starts watching the config file's directory for writes. Each
// validated reload is sent on the returned channel; reload errors (I/O,
// parse, or validation failures) are sent on the error channel and do not
// affect the active config. Both channels close when ctx is done or Stop is
// called.
func (w *Watcher) Watch(ctx context.Context) (<-chan Change, <-chan error, error) {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil, nil, fmt.Errorf("config: watcher already started")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return nil, nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		w.mu.Unlock()
		_ = fsw.Close()
		return nil, nil, fmt.Errorf("config: watch dir %s: %w", dir, err)
	}
	w.fswatch = fsw
	w.watching = true
	w.mu.Unlock()

	changes := make(chan Change, 4)
	errs := make(chan error, 4)

	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				candidate, err := Load(w.path)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				prev := w.current.Load()
				w.current.Store(candidate)
				select {
				case changes <- Change{Previous: prev, Current: candidate}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return changes, errs, nil
}

// Stop closes the underlying filesystem watcher, ending the Watch
// goroutine.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	w.watching = false
	return w.fswatch.Close()
}
