package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads cfg from path whenever the file changes, until ctx is done.
// Runtime overrides passed in reapply are re-applied after every reload so
// command-line flags keep winning over the file. onReload, if set, runs after
// each successful reload.
func Watch(ctx context.Context, path string, cfg *Config, reapply func(*Config), onReload func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace the file instead of writing it.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	slog.Info("config.watching", "path", abs)

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			trigger = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)

		case <-trigger:
			trigger = nil
			next, err := Load(abs)
			if err != nil {
				slog.Error("config.reload_failed", "path", abs, "error", err)
				continue
			}
			if reapply != nil {
				reapply(next)
			}
			cfg.ReplaceFrom(next)
			slog.Info("config.reloaded", "path", abs, "flags", cfg.FlagSnapshot())
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
