// Package config defines the session configuration model: adapter definition
// tables per role plus framework-level settings, loadable from JSON or YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
)

// AdapterDefinition is one row of an adapter definition table. TypeName names
// a registered adapter type; when empty the type is resolved from the
// connection string's protocol setting.
type AdapterDefinition struct {
	ID               uint64 `json:"id"                yaml:"id"`
	Name             string `json:"name"              yaml:"name"`
	TypeName         string `json:"type,omitempty"    yaml:"type,omitempty"`
	ConnectionString string `json:"connectionString"  yaml:"connectionString"`
}

// Settings parses the definition's connection string.
func (d AdapterDefinition) Settings() adapter.Settings {
	return adapter.ParseConnectionString(d.ConnectionString)
}

// NATSConfig configures the shared NATS connection.
type NATSConfig struct {
	URL           string   `json:"url"                     yaml:"url"`
	Name          string   `json:"name,omitempty"          yaml:"name,omitempty"`
	MaxReconnects int      `json:"maxReconnects,omitempty" yaml:"maxReconnects,omitempty"`
	ReconnectWait Duration `json:"reconnectWait,omitempty" yaml:"reconnectWait,omitempty"`
}

// RoutingConfig tunes the routing-table calculator.
type RoutingConfig struct {
	// RecalculationDelay is the debounce window between a routing request
	// and the recalculation it triggers.
	RecalculationDelay Duration `json:"recalculationDelay,omitempty" yaml:"recalculationDelay,omitempty"`
	// Method selects the route mapping table implementation.
	Method string `json:"method,omitempty" yaml:"method,omitempty"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"        yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Config is the complete session configuration.
type Config struct {
	Name    string              `json:"name,omitempty" yaml:"name,omitempty"`
	Inputs  []AdapterDefinition `json:"inputs"         yaml:"inputs"`
	Actions []AdapterDefinition `json:"actions"        yaml:"actions"`
	Outputs []AdapterDefinition `json:"outputs"        yaml:"outputs"`
	Filters []AdapterDefinition `json:"filters"        yaml:"filters"`
	NATS    *NATSConfig         `json:"nats,omitempty" yaml:"nats,omitempty"`
	Routing RoutingConfig       `json:"routing"        yaml:"routing"`
	Metrics MetricsConfig       `json:"metrics"        yaml:"metrics"`
}

// DefaultRecalculationDelay is applied when RoutingConfig omits a delay.
const DefaultRecalculationDelay = Duration(time.Second)

// Table returns the definition table for a role. The second result is false
// for an unknown role.
func (c *Config) Table(role adapter.Role) ([]AdapterDefinition, bool) {
	switch role {
	case adapter.RoleInput:
		return c.Inputs, true
	case adapter.RoleAction:
		return c.Actions, true
	case adapter.RoleOutput:
		return c.Outputs, true
	case adapter.RoleFilter:
		return c.Filters, true
	}
	return nil, false
}

// Row returns the definition with the given ID in a role's table.
func (c *Config) Row(role adapter.Role, id uint64) (AdapterDefinition, bool) {
	table, ok := c.Table(role)
	if !ok {
		return AdapterDefinition{}, false
	}
	for _, def := range table {
		if def.ID == id {
			return def, true
		}
	}
	return AdapterDefinition{}, false
}

// Validate checks structural invariants: IDs unique within a role, names
// unique case-insensitively within a role, no empty names.
func (c *Config) Validate() error {
	for _, role := range []adapter.Role{
		adapter.RoleInput, adapter.RoleAction, adapter.RoleOutput, adapter.RoleFilter,
	} {
		table, _ := c.Table(role)
		ids := make(map[uint64]bool, len(table))
		names := make(map[string]bool, len(table))
		for _, def := range table {
			if def.Name == "" {
				return errors.WrapInvalid(
					fmt.Errorf("%w: %s adapter %d has no name", errors.ErrInvalidConfig, role, def.ID),
					"Config", "Validate", "check adapter name")
			}
			if ids[def.ID] {
				return errors.WrapInvalid(
					fmt.Errorf("%w: duplicate %s adapter ID %d", errors.ErrInvalidConfig, role, def.ID),
					"Config", "Validate", "check adapter IDs")
			}
			ids[def.ID] = true
			lower := strings.ToLower(def.Name)
			if names[lower] {
				return errors.WrapInvalid(
					fmt.Errorf("%w: duplicate %s adapter name %q", errors.ErrInvalidConfig, role, def.Name),
					"Config", "Validate", "check adapter names")
			}
			names[lower] = true
		}
	}

	if c.Routing.RecalculationDelay < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative recalculation delay", errors.ErrInvalidConfig),
			"Config", "Validate", "check routing config")
	}

	return nil
}

// applyDefaults fills zero values after load.
func (c *Config) applyDefaults() {
	if c.Routing.RecalculationDelay == 0 {
		c.Routing.RecalculationDelay = DefaultRecalculationDelay
	}
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			c.Metrics.Addr = ":9090"
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}
}

// Load reads a configuration file. The format is chosen by extension:
// .yaml/.yml parse as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Config", "Load", "parse config file")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes configuration from bytes in the given format ("yaml" or
// "json") with defaults applied and validation run.
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(format) {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &cfg)
	case "json", "":
		err = json.Unmarshal(data, &cfg)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown format %q", errors.ErrInvalidConfig, format),
			"Config", "Parse", "select decoder")
	}
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Config", "Parse", "decode config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
