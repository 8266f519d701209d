package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher watches the on-disk config file and invokes onReload whenever
// it changes, so operators editing the YAML file get the same effect as
// calling POST /providers/reload. Grounded on the debounced
// fsnotify.Watcher pattern from the example pack's policy file watcher,
// trimmed to a single file (this balancer has one config file, not a
// policy directory tree) and re-plumbed onto logrus.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *logrus.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher builds a Watcher for path. debounce coalesces the burst of
// write events most editors emit for a single save into one reload.
func NewWatcher(path string, debounce time.Duration, log *logrus.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{path: path, debounce: debounce, log: log}
}

// Watch blocks until ctx is cancelled, calling onReload (debounced)
// whenever the config file is written. onReload errors are logged, not
// returned, since a bad edit shouldn't take down the watch loop.
func (w *Watcher) Watch(ctx context.Context, onReload func() error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", w.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("config watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.scheduleReload(onReload)

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("config watcher errors channel closed")
			}
			if w.log != nil {
				w.log.WithError(err).Warn("config file watcher error")
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	return strings.HasSuffix(event.Name, w.path) || event.Name == w.path
}

func (w *Watcher) scheduleReload(onReload func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := onReload(); err != nil {
			if w.log != nil {
				w.log.WithError(err).Error("config file reload failed")
			}
			return
		}
		if w.log != nil {
			w.log.Info("config file change applied")
		}
	})
}
