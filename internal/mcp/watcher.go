// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the editor's write/rename bursts into one
// reload.
const defaultDebounce = 250 * time.Millisecond

// Watcher hot-reloads the manager when the server config file changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	manager   *Manager
	logger    *slog.Logger
	path      string
	debounce  time.Duration

	mu      sync.Mutex
	pending *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures the watcher.
type WatcherConfig struct {
	// Manager receives Reload calls.
	Manager *Manager

	// Path is the MCP server config file to watch.
	Path string

	// Logger is optional (slog.Default() when nil).
	Logger *slog.Logger

	// Debounce overrides the reload delay (defaultDebounce when zero).
	Debounce time.Duration
}

// NewWatcher starts watching the config file's directory. Watching the
// directory instead of the file survives the rename-then-create dance most
// editors and config writers do.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(cfg.Path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Path, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = defaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fsWatcher: fsWatcher,
		manager:   cfg.Manager,
		logger:    logger.With("component", "mcp-watcher"),
		path:      cfg.Path,
		debounce:  debounce,
		cancel:    cancel,
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(ctx)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// scheduleReload (re)arms the debounce timer.
func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := LoadConfig(w.path)
		if err != nil {
			// Keep the current connections when the new file is broken.
			w.logger.Warn("mcp config invalid, keeping current servers", "error", err)
			return
		}
		w.logger.Info("mcp config changed, reloading")
		if err := w.manager.Reload(ctx, cfg); err != nil {
			w.logger.Warn("mcp reload failed", "error", err)
		}
	})
}

// Close stops watching and waits for the event loop.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return err
}
