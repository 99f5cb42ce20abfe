package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long a file must be quiet before a reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// ReloadHandler receives the reloaded configuration, or the error that
// prevented loading it.
type ReloadHandler func(cfg *Config, err error)

// Watch reloads the configuration file at path whenever it changes and
// calls fn with the result until ctx is done. The containing directory is
// watched so editors that replace the file on save are seen.
func Watch(ctx context.Context, path string, debounce time.Duration, fn ReloadHandler) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watching config: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching config: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				safeReload(fn, nil, err)
			case <-fire:
				fire = nil
				cfg, err := Load(abs)
				safeReload(fn, cfg, err)
			}
		}
	}()
	return nil
}

// safeReload calls fn with panic recovery so a failing handler does not
// stop the watch.
func safeReload(fn ReloadHandler, cfg *Config, err error) {
	defer func() {
		_ = recover()
	}()
	fn(cfg, err)
}
