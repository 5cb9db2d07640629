package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchConfig reloads path whenever it changes and hands each valid config to
// apply. Invalid edits are logged and ignored; the running config stays.
// overrides are re-applied so command-line flags keep precedence over the file.
//
// The parent directory is watched rather than the file: editors commonly save by
// writing a temp file and renaming it over the original, which drops a watch
// held on the file itself.
func watchConfig(ctx context.Context, path string, overrides FlagOverrides, apply func(Config), logger *slog.Logger) error {
	target, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("watching config for changes", "path", target)

	debounce := time.Duration(configReloadDebounceMS) * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
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
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("config file event", "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerCh = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-timerCh:
			timerCh = nil
			cfg, err := reloadConfig(target, overrides)
			if err != nil {
				logger.Warn("config reload rejected, keeping current config", "path", target, "error", err)
				continue
			}
			apply(cfg)
		}
	}
}

func reloadConfig(path string, overrides FlagOverrides) (Config, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
