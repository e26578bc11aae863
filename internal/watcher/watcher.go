// Package watcher turns changes in the manifest directories into load and
// unload requests. Requests go through the RPC inbox like any client call,
// so the supervisor loop stays the only goroutine that touches job state.
package watcher

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/relaunchd/internal/rpc"
)

// DefaultDebounce is how long a path must stay quiet before it is acted on.
const DefaultDebounce = 100 * time.Millisecond

// Poster accepts requests on behalf of the supervisor loop.
type Poster interface {
	Post(req rpc.Request) error
}

// Config configures a Watcher.
type Config struct {
	Dirs     []string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches manifest directories.
type Watcher struct {
	fs       *fsnotify.Watcher
	post     Poster
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New watches every directory of cfg that exists. Missing directories are
// skipped with a warning.
func New(cfg Config, post Poster) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:       fs,
		post:     post,
		debounce: cfg.Debounce,
		log:      cfg.Logger.With("component", "watcher"),
		pending:  make(map[string]*time.Timer),
	}
	for _, dir := range cfg.Dirs {
		if err := fs.Add(dir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				w.log.Warn("manifest directory missing", "dir", dir)
				continue
			}
			_ = fs.Close()
			return nil, err
		}
	}
	return w, nil
}

// Start runs the event loop in a goroutine owned by sctx.
func (w *Watcher) Start(sctx *stopper.Context) {
	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			w.mu.Lock()
			for _, t := range w.pending {
				t.Stop()
			}
			w.mu.Unlock()
			_ = w.fs.Close()
		})

		for {
			select {
			case <-sctx.Stopping():
				return nil

			case ev, ok := <-w.fs.Events:
				if !ok {
					return nil
				}
				w.handle(ev)

			case err, ok := <-w.fs.Errors:
				if !ok {
					return nil
				}
				w.log.Error("watch error", "error", err)
			}
		}
	})
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if filepath.Ext(ev.Name) != ".json" {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	path := ev.Name
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.settle(path) })
}

// settle posts the request matching the file's final state.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	method := rpc.MethodLoad
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		method = rpc.MethodUnload
	}
	w.log.Debug("manifest changed", "path", path, "method", method)
	if err := w.post.Post(rpc.Request{Method: method, Args: []string{path}}); err != nil {
		w.log.Warn("post failed", "path", path, "error", err)
	}
}
