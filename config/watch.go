package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jonwraymond/toolrun/observe"
)

// debounceWindow coalesces the burst of filesystem events an editor or
// atomic rename produces for one save.
const debounceWindow = 200 * time.Millisecond

// Watcher reloads the configuration file on change and pushes
// validated snapshots to subscribers. A snapshot that fails to load or
// validate is dropped; the previous configuration stays in effect.
type Watcher struct {
	path   string
	logger observe.Logger

	mu      sync.Mutex
	current Config
	subs    []chan Config
	closed  bool

	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// NewWatcher loads path once and begins watching it. The parent
// directory is watched too, so atomic save-and-rename is picked up.
func NewWatcher(path string, logger observe.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observe.NopLogger()
	}

	initial, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		logger:  logger,
		current: initial,
		fsw:     fsw,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the latest validated configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Subscribe returns a channel receiving each validated snapshot. Slow
// subscribers miss intermediate snapshots rather than blocking the
// watcher.
func (w *Watcher) Subscribe() <-chan Config {
	ch := make(chan Config, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Close stops watching. Subscriber channels are not closed.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounceWindow)
				pendingC = pending.C
			} else {
				pending.Reset(debounceWindow)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(context.Background(), "config watch error",
				observe.Field{Key: "error", Value: err.Error()})

		case <-pendingC:
			pending = nil
			pendingC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	ctx := context.Background()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn(ctx, "config reload rejected",
			observe.Field{Key: "path", Value: w.path},
			observe.Field{Key: "error", Value: err.Error()},
		)
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := append([]chan Config(nil), w.subs...)
	w.mu.Unlock()

	w.logger.Info(ctx, "config reloaded",
		observe.Field{Key: "path", Value: w.path})

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Replace the stale snapshot the subscriber never read.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
