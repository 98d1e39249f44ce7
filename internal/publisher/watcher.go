package publisher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"caterva2/internal/logging"
	"caterva2/internal/notify"
)

// watcher recursively watches a directory tree with fsnotify and publishes
// debounced, coalesced change batches onto a notify.ChangeBus. Rapid bursts
// of writes to the same path (common with chunked writers that touch a file
// many times in a row) collapse into a single change event per debounce
// window, mirroring the coalescing spec.md's publisher watcher requires.
type watcher struct {
	root     *DirRoot
	bus      *notify.ChangeBus
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// newWatcher creates a watcher over root, publishing coalesced change
// batches to bus. debounce must be at least 50ms; smaller values are raised
// to that floor.
func newWatcher(root *DirRoot, bus *notify.ChangeBus, debounce time.Duration, logger *slog.Logger) (*watcher, error) {
	if debounce < 50*time.Millisecond {
		debounce = 50 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		root:     root,
		bus:      bus,
		debounce: debounce,
		logger:   logging.Default(logger).With("component", "publisher.watcher"),
		pending:  make(map[string]struct{}),
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	if err := w.addDirsRecursive(root.Dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *watcher) addDirsRecursive(dir string) error {
	paths, err := w.root.Walk()
	if err != nil {
		return err
	}
	dirs := map[string]struct{}{dir: {}}
	for _, rel := range paths {
		dirs[filepath.Dir(filepath.Join(dir, filepath.FromSlash(rel)))] = struct{}{}
	}
	for d := range dirs {
		if err := w.fsw.Add(d); err != nil {
			w.logger.Warn("failed to watch directory", "dir", d, "error", err)
		}
	}
	return nil
}

// run processes fsnotify events until stopped. It is meant to run in its own
// goroutine.
func (w *watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root.Dir, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if w.root.ignored(rel) {
		return
	}

	// New directories need their own watch registered so nested creates are
	// seen too.
	if ev.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	}

	w.mu.Lock()
	w.pending[rel] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	}
	w.mu.Unlock()
}

func (w *watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	batch := notify.NewChangeBatch(paths)
	w.logger.Debug("change batch coalesced", "batch_id", batch.ID, "paths", len(paths))
	w.bus.Publish(batch)
}

// stop closes the underlying fsnotify watcher and stops event processing.
func (w *watcher) stop() {
	close(w.done)
	w.fsw.Close()
}
