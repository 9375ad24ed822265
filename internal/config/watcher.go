package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a directory of pipeline definition files and reloads them
// on change. Successive write events for the same file are debounced so a
// single editor save triggers one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	onReload func(path string, file *PipelineFile)
	onError  func(path string, err error)
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopCh  chan struct{}
	stopped bool
}

// NewWatcher creates a watcher over a pipeline definitions directory.
// onReload receives every successfully reloaded file; onError receives
// files that changed but no longer parse. Either callback may be nil.
func NewWatcher(dir string, onReload func(path string, file *PipelineFile), onError func(path string, err error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		dir:      dir,
		onReload: onReload,
		onError:  onError,
		debounce: 100 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Close stops watching. Pending debounced reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isPipelineFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError("", err)
			}
		}
	}
}

// schedule arms (or re-arms) the debounce timer for one file.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		w.reload(path)
	})
}

func (w *Watcher) reload(path string) {
	file, err := LoadPipelineFile(path)
	if err != nil {
		if w.onError != nil {
			w.onError(path, err)
		}
		return
	}
	if w.onReload != nil {
		w.onReload(path, file)
	}
}

func isPipelineFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
