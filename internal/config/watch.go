package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReloadFunc receives the freshly validated configuration. Only operational
// knobs (log level, intervals) should be applied from here; governed values
// like risk limits change exclusively through proposals.
type ReloadFunc func(*Config)

// Watcher re-reads the config file on change, debouncing rapid writes.
type Watcher struct {
	v        *viper.Viper
	logger   *zap.Logger
	onReload ReloadFunc
	watcher  *fsnotify.Watcher
}

func NewWatcher(v *viper.Viper, onReload ReloadFunc, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if file := v.ConfigFileUsed(); file != "" {
		if err := fw.Add(file); err != nil {
			fw.Close()
			return nil, fmt.Errorf("config: watch %s: %w", file, err)
		}
	}
	return &Watcher{v: v, logger: logger, onReload: onReload, watcher: fw}, nil
}

// Run blocks until ctx is cancelled, reloading on file writes.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				debounce.Reset(500 * time.Millisecond)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		case <-debounce.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	if err := w.v.MergeInConfig(); err != nil {
		w.logger.Error("config reload failed", zap.Error(err))
		return
	}
	cfg, err := unmarshal(w.v)
	if err != nil {
		w.logger.Error("config reload failed", zap.Error(err))
		return
	}
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		w.logger.Error("reloaded config rejected", zap.Error(err))
		return
	}
	w.logger.Info("configuration reloaded", zap.String("file", w.v.ConfigFileUsed()))
	w.onReload(cfg)
}
