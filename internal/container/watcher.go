package container

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mir00r/provider-resilience/pkg/logger"
)

// Reloader re-applies configuration
type Reloader interface {
	Reload(ctx context.Context) error
}

// ConfigWatcher polls the config file and reloads when its modification time changes
type ConfigWatcher struct {
	path     string
	interval time.Duration
	reloader Reloader
	logger   *logger.Logger

	mu          sync.Mutex
	lastModTime time.Time
	reloads     int64
	failures    int64
	stopChan    chan struct{}
	wg          sync.WaitGroup
	isRunning   bool
}

// NewConfigWatcher creates a watcher for path
func NewConfigWatcher(path string, interval time.Duration, reloader Reloader, log *logger.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		interval: interval,
		reloader: reloader,
		logger:   log.WithField("component", "config_watcher").WithField("config_file", path),
		stopChan: make(chan struct{}),
	}
}

// Start records the current modification time and begins polling
func (w *ConfigWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("config watcher is already running")
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	w.lastModTime = info.ModTime()
	w.isRunning = true

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.WithField("interval", w.interval).Info("Started configuration file watcher")
	return nil
}

// Stop halts polling
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	w.isRunning = false
	w.stopChan = make(chan struct{})
	w.mu.Unlock()
	w.logger.Info("Stopped configuration file watcher")
}

func (w *ConfigWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.mu.Lock()
	stop := w.stopChan
	w.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				w.logger.WithError(err).Error("Failed to reload changed configuration")
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check reloads once if the file changed since the last successful check.
// A failed reload is retried on the next change only.
func (w *ConfigWatcher) Check(ctx context.Context) (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	w.mu.Lock()
	changed := !info.ModTime().Equal(w.lastModTime)
	if changed {
		w.lastModTime = info.ModTime()
	}
	w.mu.Unlock()
	if !changed {
		return false, nil
	}

	w.logger.Info("Configuration file changed, reloading")
	if err := w.reloader.Reload(ctx); err != nil {
		w.mu.Lock()
		w.failures++
		w.mu.Unlock()
		return false, err
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	return true, nil
}

// GetStats returns watcher counters
func (w *ConfigWatcher) GetStats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]interface{}{
		"path":          w.path,
		"running":       w.isRunning,
		"last_mod_time": w.lastModTime,
		"reloads":       w.reloads,
		"failures":      w.failures,
	}
}
