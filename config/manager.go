package config

import (
	"log/slog"
	"sync"

	"github.com/c360/measureflow/errors"
)

// Manager provides thread-safe access to the active configuration with
// change notification. Readers get the current snapshot; Update swaps the
// whole configuration atomically after validation.
type Manager struct {
	mu       sync.RWMutex
	current  *Config
	watchers []chan *Config
	logger   *slog.Logger
}

// NewManager wraps an initial configuration. A nil initial config is
// replaced with an empty one.
func NewManager(initial *Config, logger *slog.Logger) *Manager {
	if initial == nil {
		initial = &Config{}
		initial.applyDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{current: initial, logger: logger}
}

// Current returns the active configuration snapshot. Callers must not
// mutate it; Update replaces the whole value.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates and atomically installs a new configuration, then
// notifies watchers. Notification is non-blocking; a watcher that has not
// drained its channel misses intermediate snapshots, never the lock.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "Update", "validate config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = cfg
	watchers := make([]chan *Config, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- cfg:
		default:
			// Drop the stale snapshot so the latest one can be delivered.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}

	m.logger.Info("configuration updated",
		"inputs", len(cfg.Inputs), "actions", len(cfg.Actions),
		"outputs", len(cfg.Outputs), "filters", len(cfg.Filters))
	return nil
}

// OnChange returns a channel receiving each installed configuration. The
// channel is buffered with depth one and always holds the most recent
// undelivered snapshot.
func (m *Manager) OnChange() <-chan *Config {
	ch := make(chan *Config, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	return ch
}

// Reload reads the file at path and installs it as the active configuration.
func (m *Manager) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	return m.Update(cfg)
}
