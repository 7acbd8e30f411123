package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Flags is a concurrency-safe view of FeatureFlags that can be swapped at runtime.
type Flags struct {
	current atomic.Pointer[FeatureFlags]
}

// NewFlags seeds the snapshot with the startup values.
func NewFlags(initial FeatureFlags) *Flags {
	f := &Flags{}
	f.Store(initial)
	return f
}

// Load returns the current flag values.
func (f *Flags) Load() FeatureFlags {
	if f == nil {
		return FeatureFlags{}
	}
	if v := f.current.Load(); v != nil {
		return *v
	}
	return FeatureFlags{}
}

// Store replaces the current flag values.
func (f *Flags) Store(next FeatureFlags) {
	f.current.Store(&next)
}

// LegacyRouting reports whether tool-intent splitting is enabled.
func (f *Flags) LegacyRouting() bool { return f.Load().LegacyRouting }

// DurableQueue reports whether inbound messages are mirrored into the ledger.
func (f *Flags) DurableQueue() bool { return f.Load().DurableQueue }

// WatchFlags reloads the features section whenever the config file is written.
// It blocks until ctx is canceled.
func WatchFlags(ctx context.Context, path string, flags *Flags, log *slog.Logger) error {
	if path == "" {
		return errors.New("config path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config.watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still observed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			next, err := readFlags(path)
			if err != nil {
				log.Warn("Feature flag reload failed", "path", path, "error", err)
				continue
			}
			prev := flags.Load()
			flags.Store(next)
			if prev != next {
				log.Info("Feature flags reloaded", "legacy_routing", next.LegacyRouting, "durable_queue", next.DurableQueue)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error", "error", err)
		}
	}
}

func readFlags(path string) (FeatureFlags, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return FeatureFlags{}, fmt.Errorf("read config file: %w", err)
	}

	var partial struct {
		Features FeatureFlags `json:"features"`
	}
	if err := json.Unmarshal(content, &partial); err != nil {
		return FeatureFlags{}, fmt.Errorf("parse config file: %w", err)
	}

	return partial.Features, nil
}
