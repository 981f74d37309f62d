package mirror

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher invalidates the mirror's builtin index when the static
// asset manifest changes on disk. Deployment tooling rewrites the manifest
// out-of-band; without the watcher a change would only be noticed via the
// size+mtime check on the next query.
type ManifestWatcher struct {
	watcher *fsnotify.Watcher
	mirror  *Mirror
	path    string
	logger  *log.Logger
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManifestWatcher creates a watcher for the mirror's manifest path.
func NewManifestWatcher(m *Mirror, manifestPath string, logger *log.Logger) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("mirror: create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}
	return &ManifestWatcher{
		watcher: watcher,
		mirror:  m,
		path:    manifestPath,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. The manifest's parent directory is watched rather
// than the file itself so atomic rewrites (temp + rename) are still seen.
func (w *ManifestWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("mirror: manifest watcher already running")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("mirror: watch manifest directory %s: %w", dir, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *ManifestWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("mirror: close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *ManifestWatcher) loop() {
	defer w.wg.Done()
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.logger.Printf("manifest changed (%s), invalidating builtin index", event.Op)
				w.mirror.Invalidate()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("WARNING: manifest watch error: %v", err)
		}
	}
}
