// Package watcher feeds video files dropped into an inbox directory to a
// callback once they have stopped growing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 750 * time.Millisecond

var ErrAlreadyWatching = errors.New("watcher already started")

type Watcher interface {
	Watch(ctx context.Context, path string) error
	Stop() error
	OnChange(callback func(path string, event EventType))
}

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

type Option func(*Inbox)

// WithDebounce sets how long a file must stay quiet before it is reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Inbox) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithFilter limits reported files to those for which keep returns true.
func WithFilter(keep func(path string) bool) Option {
	return func(w *Inbox) {
		w.filter = keep
	}
}

// Inbox watches one directory, non-recursively. Files already present when
// watching starts are reported too.
type Inbox struct {
	logger   *slog.Logger
	debounce time.Duration
	filter   func(path string) bool

	mu       sync.Mutex
	callback func(path string, event EventType)
	fsw      *fsnotify.Watcher
	timers   map[string]*time.Timer
	done     chan struct{}
}

func NewInbox(logger *slog.Logger, opts ...Option) *Inbox {
	w := &Inbox{
		logger:   logger,
		debounce: DefaultDebounce,
		filter:   func(string) bool { return true },
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Inbox) OnChange(callback func(path string, event EventType)) {
	w.mu.Lock()
	w.callback = callback
	w.mu.Unlock()
}

func (w *Inbox) Watch(ctx context.Context, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return ErrAlreadyWatching
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				w.scheduleLocked(filepath.Join(dir, e.Name()))
			}
		}
	}

	go w.loop(ctx, fsw, w.done)

	if w.logger != nil {
		w.logger.Info("watching inbox", "path", dir, "debounce_ms", w.debounce.Milliseconds())
	}
	return nil
}

func (w *Inbox) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("inbox watch error", "error", err)
			}
		}
	}
}

func (w *Inbox) handle(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if t, ok := w.timers[ev.Name]; ok {
			t.Stop()
			delete(w.timers, ev.Name)
		}
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		w.scheduleLocked(ev.Name)
	}
}

// scheduleLocked (re)starts the quiet timer for path. w.mu must be held.
func (w *Inbox) scheduleLocked(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !w.filter(path) {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Inbox) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	cb := w.callback
	stopped := w.fsw == nil
	w.mu.Unlock()

	if stopped || cb == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if w.logger != nil {
		w.logger.Debug("inbox file ready", "path", path, "size", info.Size())
	}
	cb(path, EventCreate)
}

// Stop releases the watcher and drops files still waiting to settle.
func (w *Inbox) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw == nil {
		return nil
	}
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	close(w.done)
	err := w.fsw.Close()
	w.fsw = nil
	return err
}
