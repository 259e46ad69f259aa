package dircache

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates registry snapshots when their directories change on disk.
// Every directory loaded through the registry is watched.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *Registry
	log       log.Logger

	mu      sync.Mutex
	watched map[string]bool

	// Invalidated receives each directory dropped from the registry; sends never block
	Invalidated chan string
	done        chan struct{}
	wg          sync.WaitGroup
}

func NewWatcher(registry *Registry, logger log.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = log.New()
	}
	w := &Watcher{
		fsWatcher:   fsWatcher,
		registry:    registry,
		log:         logger.New("component", "dirwatcher"),
		watched:     make(map[string]bool),
		Invalidated: make(chan string, 16),
		done:        make(chan struct{}),
	}
	registry.setOnLoad(func(dir string) {
		if err := w.Watch(dir); err != nil {
			w.log.Debug("Not watching directory", "dir", dir, "err", err)
		}
	})

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) Watch(dir string) error {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}

func (w *Watcher) Close() error {
	w.registry.setOnLoad(nil)
	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			w.invalidate(filepath.Dir(event.Name))
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.invalidate(event.Name)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("File watcher error", "err", err)
		}
	}
}

func (w *Watcher) invalidate(dir string) {
	w.registry.Invalidate(dir)
	select {
	case w.Invalidated <- filepath.Clean(dir):
	default:
	}
}
