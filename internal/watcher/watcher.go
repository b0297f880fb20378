package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mcpanel/internal/logging"
)

const debounceInterval = 500 * time.Millisecond

// DefaultFiles are the launch directory files whose edits are reported.
var DefaultFiles = []string{"server.properties"}

// ChangeFunc is called, debounced, with the path of a changed file.
type ChangeFunc func(path string)

// Watcher monitors launch directories for edits to a fixed set of files.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*dirWatcher // id → watcher
	files    map[string]bool
	debounce time.Duration
	log      *zap.Logger
}

type dirWatcher struct {
	id        string
	dir       string
	fsWatcher *fsnotify.Watcher
	onChange  ChangeFunc
	cancel    chan struct{}
	done      chan struct{}
}

// New creates a watcher reporting changes to the named files. With no names
// it reports DefaultFiles.
func New(logger *zap.Logger, files ...string) *Watcher {
	if len(files) == 0 {
		files = DefaultFiles
	}
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f] = true
	}
	return &Watcher{
		watchers: make(map[string]*dirWatcher),
		files:    set,
		debounce: debounceInterval,
		log:      logging.OrNop(logger).Named("watcher"),
	}
}

// Watch starts watching dir under id, replacing any previous watch with the
// same id. The directory itself is watched rather than the files, so editors
// that save by rename are still seen.
func (w *Watcher) Watch(id, dir string, onChange ChangeFunc) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return err
	}

	dw := &dirWatcher{
		id:        id,
		dir:       dir,
		fsWatcher: fsW,
		onChange:  onChange,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	w.mu.Lock()
	prev := w.watchers[id]
	w.watchers[id] = dw
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go w.watchLoop(dw)
	return nil
}

// Unwatch stops watching id. Unknown ids are ignored.
func (w *Watcher) Unwatch(id string) {
	w.mu.Lock()
	dw, ok := w.watchers[id]
	if ok {
		delete(w.watchers, id)
	}
	w.mu.Unlock()

	if ok {
		dw.stop()
	}
}

func (dw *dirWatcher) stop() {
	close(dw.cancel)
	dw.fsWatcher.Close()
	<-dw.done
}

// watchLoop processes fsnotify events with debouncing, per file.
func (w *Watcher) watchLoop(dw *dirWatcher) {
	defer close(dw.done)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-dw.cancel:
			return

		case event, ok := <-dw.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Base(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			path := event.Name
			if t := timers[path]; t != nil {
				t.Stop()
			}
			timers[path] = time.AfterFunc(w.debounce, func() {
				select {
				case <-dw.cancel:
				default:
					dw.onChange(path)
				}
			})

		case err, ok := <-dw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.String("id", dw.id), zap.String("dir", dw.dir), zap.Error(err))
		}
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}
