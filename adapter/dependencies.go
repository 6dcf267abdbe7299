package adapter

import (
	"log/slog"

	"github.com/c360/measureflow/metric"
	"github.com/c360/measureflow/natsclient"
)

// Dependencies carries the shared services injected into adapter factories.
// Everything an adapter needs beyond its connection string arrives here; no
// adapter reaches for process-global state.
type Dependencies struct {
	Logger    *slog.Logger
	Metrics   *metric.MetricsRegistry
	NATS      *natsclient.Client
	Observers *Observers
}

// GetLogger returns the configured logger or the process default.
func (d Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// AdapterLogger returns a logger scoped to one adapter.
func (d Dependencies) AdapterLogger(role Role, name string) *slog.Logger {
	return d.GetLogger().With("role", role.String(), "adapter", name)
}
