package shellcache

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// WatchConfig reloads the config file at path whenever it changes and passes
// the result to apply. It returns when ctx is done. Invalid configs are
// logged and skipped.
func WatchConfig(ctx context.Context, path string, lg *zap.Logger, apply func(context.Context, *Config) error) error {
	if lg == nil {
		lg = nopLogger
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			lg.Warn("config watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			cfg, err := LoadConfig(abs)
			if err != nil {
				lg.Warn("ignoring invalid config change", zap.String("file", abs), zap.Error(err))
				continue
			}
			if err := apply(ctx, cfg); err != nil {
				lg.Warn("applying config change failed", zap.String("file", abs), zap.Error(err))
				continue
			}
			lg.Info("config change applied", zap.String("file", abs))
		}
	}
}
