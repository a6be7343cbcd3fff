package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadConfig reloads the configuration from disk and applies the settings
// that can change without a restart. Returns a list of what changed.
//
// Hot-reloadable settings:
//   - logging.level
//   - detection.* (profile, thresholds, throttle delay)
//   - metrics.report_interval takes effect on the next tick
//
// NOT hot-reloadable (require restart):
//   - server and proxy addresses
//   - stores (TTLs, capacities)
//   - bus
func ReloadConfig(engine *Engine, configPath string) ([]string, error) {
	if configPath == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	newCfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	engine.mu.Lock()
	old := engine.config
	merged := *old
	var changes []string

	if newCfg.LogLevel() != old.LogLevel() {
		merged.Logging.Level = newCfg.Logging.Level
		zerolog.SetGlobalLevel(ParseLevel(newCfg.LogLevel()))
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}
	if newCfg.Detection != old.Detection {
		merged.Detection = newCfg.Detection
		changes = append(changes, "detection policy reloaded")
		if newCfg.Detection.Profile != old.Detection.Profile {
			changes = append(changes, "detection.profile → "+string(newCfg.Detection.Profile))
		}
	}
	if newCfg.Metrics.ReportInterval != old.Metrics.ReportInterval {
		merged.Metrics.ReportInterval = newCfg.Metrics.ReportInterval
		changes = append(changes, "metrics.report_interval → "+newCfg.Metrics.ReportInterval.String())
	}
	merged.Server.APIKeys = newCfg.Server.APIKeys

	engine.config = &merged
	hooks := append([]func(*Config){}, engine.onReload...)
	engine.mu.Unlock()

	for _, fn := range hooks {
		fn(&merged)
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}
	return changes, nil
}

// WatchConfig calls onChange whenever the config file at path is written,
// created or renamed into place. The parent directory is watched because
// editors usually replace files instead of writing them in place. Bursts of
// events are collapsed into one call. Blocks until ctx is done.
func WatchConfig(ctx context.Context, path string, logger zerolog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	log := logger.With().Str("component", "config_watcher").Logger()
	log.Debug().Str("path", abs).Msg("watching config file")

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
