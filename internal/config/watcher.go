// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/lexrun-client/internal/logging"
)

// DefaultWatchDebounce coalesces editor save bursts into one reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// Watcher hot-reloads the config file. Changes are debounced; a reload that
// fails validation is logged and skipped, keeping the last good config.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	log      logging.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending bool
	lastEv  time.Time
}

// NewWatcher creates a watcher for the config file at path. onChange is
// invoked with each successfully reloaded config.
func NewWatcher(path string, onChange func(*Config), log logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Nop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		debounce: DefaultWatchDebounce,
		onChange: onChange,
		log:      log,
		watcher:  fw,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching for config changes.
//
// The parent directory is watched rather than the file itself: atomic
// saves replace the file by rename, which would drop a direct watch.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.processEvents()
	go w.processPending()
	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

// processEvents marks the config dirty on relevant filesystem events.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = true
			w.lastEv = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnf("config: watch error: %v", err)
		}
	}
}

// processPending reloads once the debounce window after the last event.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			due := w.pending && time.Since(w.lastEv) >= w.debounce
			if due {
				w.pending = false
			}
			w.mu.Unlock()

			if !due {
				continue
			}

			cfg, err := LoadFromPath(w.path)
			if err != nil {
				w.log.Warnf("config: reload skipped: %v", err)
				continue
			}
			w.log.Infof("config: reloaded from %s", w.path)
			w.onChange(cfg)
		}
	}
}
