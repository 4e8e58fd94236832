// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"goa.design/clue/log"
)

// =============================================================================
// CONFIG FILE WATCHER
// =============================================================================

// watchDebounce is the quiet period after a write before a reload.
// Editors often fire several events for a single save.
const watchDebounce = 250 * time.Millisecond

// Watch watches the config file at path and invokes onChange with the
// freshly loaded config whenever the file changes. It watches the parent
// directory so atomic rename-style saves are picked up too. Watch blocks
// until ctx is canceled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if path == "" {
		path = DefaultPath()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(path)
			if err != nil {
				log.Error(ctx, err, log.KV{K: "path", V: path}, log.KV{K: "msg", V: "config reload failed"})
				continue
			}
			log.Info(ctx, log.KV{K: "path", V: path}, log.KV{K: "msg", V: "config reloaded"})
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "config watcher error"})
		}
	}
}
