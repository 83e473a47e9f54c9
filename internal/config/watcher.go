package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ThresholdWatcher monitors the thresholds file and republishes updates.
type ThresholdWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	onReload func(Thresholds)
	lastMod  time.Time
}

// NewThresholdWatcher creates a watcher for the given thresholds file.
// The callback receives the merged thresholds on every successful reload.
func NewThresholdWatcher(path string, onReload func(Thresholds)) (*ThresholdWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ThresholdWatcher{
		path:     path,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		onReload: onReload,
	}, nil
}

// Start begins watching the thresholds file's directory.
func (w *ThresholdWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.watchForChanges()
	log.Info().Str("path", w.path).Msg("Watching thresholds file for changes")
	return nil
}

// Stop stops the watcher.
func (w *ThresholdWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload forces a reload regardless of file events (e.g. from SIGHUP).
func (w *ThresholdWatcher) Reload() {
	th, err := LoadThresholds(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Thresholds reload failed; keeping previous values")
		return
	}
	w.mu.Lock()
	callback := w.onReload
	w.mu.Unlock()
	if callback != nil {
		callback(th)
	}
	log.Info().Str("path", w.path).Msg("Thresholds reloaded")
}

func (w *ThresholdWatcher) watchForChanges() {
	// Editors replace files rather than writing in place, so debounce on a
	// short timer instead of reacting to every event.
	var debounce *time.Timer
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, w.Reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Thresholds watcher error")
		}
	}
}
