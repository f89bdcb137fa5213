package session

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates session caches when the external process appends to a
// session log. It watches parent directories, not files: the log file often
// does not exist yet when a session is first referenced.
type Watcher struct {
	fs *fsnotify.Watcher

	mu        sync.Mutex
	callbacks map[string]func() // log file path -> invalidation callback
	dirRefs   map[string]int
}

// NewWatcher starts the event loop. Callers must Close it.
func NewWatcher() (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:        fs,
		callbacks: make(map[string]func()),
		dirRefs:   make(map[string]int),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			fn := w.callbacks[ev.Name]
			w.mu.Unlock()
			if fn != nil {
				fn()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("session: watcher error: %v", err)
		}
	}
}

// Watch registers fn to run whenever path is written or created.
func (w *Watcher) Watch(path string, fn func()) error {
	dir := filepath.Dir(path)
	// The projects directory appears only after the CLI's first write.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.callbacks[path]; ok {
		w.callbacks[path] = fn
		return nil
	}
	if w.dirRefs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return err
		}
	}
	w.dirRefs[dir]++
	w.callbacks[path] = fn
	return nil
}

// Unwatch removes the registration for path.
func (w *Watcher) Unwatch(path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.callbacks[path]; !ok {
		return
	}
	delete(w.callbacks, path)
	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		if err := w.fs.Remove(dir); err != nil {
			log.Printf("session: unwatching %s: %v", dir, err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
