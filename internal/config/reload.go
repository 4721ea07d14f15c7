package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Reloadable is implemented by components that can update their config at
// runtime. Only the logging level and the obfuscated-attribute list are
// applied live; the encryption key, upstream hosts, and listener settings
// require a restart since changing the key mid-flight would invalidate every
// outstanding flow cookie.
type Reloadable interface {
	// OnConfigReload is called when the configuration has changed. The
	// reloader logs errors but continues notifying other subscribers.
	OnConfigReload(newCfg *Config) error
}

// Reloader watches the config file and coordinates reloads. It reacts to
// SIGHUP and, optionally, to file-system changes with a debounce window.
type Reloader struct {
	configPath  string
	current     atomic.Pointer[Config]
	subscribers []Reloadable
	logger      *slog.Logger
	debounce    time.Duration
	watchFile   bool

	mu      sync.RWMutex
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	stopped chan struct{}
	sigChan chan os.Signal
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(configPath string, initialCfg *Config, logger *slog.Logger) *Reloader {
	r := &Reloader{
		configPath: configPath,
		logger:     logger,
		debounce:   initialCfg.Reload.Debounce.Duration,
		watchFile:  initialCfg.Reload.WatchFile,
		stopped:    make(chan struct{}),
	}
	r.current.Store(initialCfg)
	return r
}

// Register adds a component to receive reload notifications.
// Must be called before Start.
func (r *Reloader) Register(sub Reloadable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, sub)
}

// Current returns the current active configuration. Safe for concurrent use.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// Start begins watching for config changes. It returns after the watchers
// are installed; the watch loop runs until the context is cancelled.
func (r *Reloader) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.sigChan = make(chan os.Signal, 1)
	signal.Notify(r.sigChan, syscall.SIGHUP)

	if r.watchFile {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating file watcher: %w", err)
		}
		if err := watcher.Add(r.configPath); err != nil {
			watcher.Close()
			return fmt.Errorf("watching config file %q: %w", r.configPath, err)
		}
		r.watcher = watcher
		r.logger.Info("config file watcher started", "path", r.configPath, "debounce", r.debounce)
	}

	go r.run(ctx)
	return nil
}

// Stop shuts down the reloader, stopping signal and file watchers.
func (r *Reloader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.stopped
}

// Reload reads and validates the config file, stores it, and notifies
// subscribers. An invalid file keeps the current config and returns an error.
func (r *Reloader) Reload() error {
	newCfg, err := Load(r.configPath)
	if err != nil {
		r.logger.Error("config reload failed, keeping current config",
			"error", err, "path", r.configPath)
		return fmt.Errorf("config reload: %w", err)
	}

	oldCfg := r.current.Load()
	if reflect.DeepEqual(oldCfg, newCfg) {
		r.logger.Info("config reload: no changes detected")
		return nil
	}

	if restartOnlyChanged(oldCfg, newCfg) {
		r.logger.Warn("some config changes require a restart to take effect")
	}

	r.current.Store(newCfg)

	r.mu.RLock()
	subs := make([]Reloadable, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.OnConfigReload(newCfg); err != nil {
			r.logger.Error("subscriber reload failed",
				"error", err, "subscriber", fmt.Sprintf("%T", sub))
		}
	}

	r.logger.Info("config reloaded", "path", r.configPath)
	return nil
}

// restartOnlyChanged reports whether anything outside the live-reloadable
// subset (logging, retain.obfuscate, rate limits) differs.
func restartOnlyChanged(oldCfg, newCfg *Config) bool {
	a, b := *oldCfg, *newCfg
	a.Logging, b.Logging = LoggingConfig{}, LoggingConfig{}
	a.RateLimit, b.RateLimit = RateLimitConfig{}, RateLimitConfig{}
	a.Retain.Obfuscate, b.Retain.Obfuscate = nil, nil
	return !reflect.DeepEqual(&a, &b)
}

// run is the watch loop reacting to SIGHUP and debounced file events.
func (r *Reloader) run(ctx context.Context) {
	defer close(r.stopped)
	defer signal.Stop(r.sigChan)
	if r.watcher != nil {
		defer r.watcher.Close()
	}

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case sig := <-r.sigChan:
			r.logger.Info("received signal, reloading config", "signal", sig.String())
			if err := r.Reload(); err != nil {
				r.logger.Error("SIGHUP reload failed", "error", err)
			}

		case event, ok := <-r.watcherEvents():
			if !ok {
				return
			}
			// Editors replace rather than rewrite, so creates and renames
			// count as changes too.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.NewTimer(r.debounce)
				debounceCh = debounceTimer.C
			}

		case err, ok := <-r.watcherErrors():
			if !ok {
				return
			}
			r.logger.Error("config watcher error", "error", err)

		case <-debounceCh:
			debounceCh = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("file-triggered reload failed", "error", err)
			}
			// Re-add in case the file was replaced by rename.
			if r.watcher != nil {
				_ = r.watcher.Add(r.configPath)
			}
		}
	}
}

func (r *Reloader) watcherEvents() chan fsnotify.Event {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Events
}

func (r *Reloader) watcherErrors() chan error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Errors
}
