package config

import (
	"encoding/json"
	"fmt"
	"time"

	redisclient "github.com/haivu-dev/beacon/internal/infra/redis"
	"github.com/haivu-dev/beacon/internal/infra/storage/postgres"
	"github.com/haivu-dev/beacon/internal/telemetry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Database     postgres.Config     `yaml:"database"`
	Redis        redisclient.Config  `yaml:"redis"`
	Logging      LoggingConfig       `yaml:"logging"`
	Retry        RetryConfig         `yaml:"retry"`
	Telemetry    telemetry.Config    `yaml:"telemetry"`
	Sources      []SourceConfig      `yaml:"sources"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Activations  []ActivationConfig  `yaml:"activations"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RetryConfig holds retry worker and backoff settings.
type RetryConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"` // how often the worker looks for due records
	Lease         time.Duration `yaml:"lease"`          // how long a claimed record stays invisible
	BatchLimit    int           `yaml:"batch_limit"`    // max records claimed per sweep
	InitialDelay  time.Duration `yaml:"initial_delay"`  // backoff before the first resend
	MaxDelay      time.Duration `yaml:"max_delay"`      // backoff ceiling
	MaxAttempts   int           `yaml:"max_attempts"`   // resend budget before a record is dropped
}

// SourceConfig names a table events are read from.
type SourceConfig struct {
	Name  string `yaml:"name"`
	Table string `yaml:"table"`
}

// DestinationConfig holds settings for one delivery endpoint. Settings are
// provider-specific and passed through to the destination builder unparsed.
type DestinationConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"` // e.g. "ga4mp", "ads_user_data"
	Settings map[string]any `yaml:"settings"`
}

// ActivationConfig binds a source to a destination.
type ActivationConfig struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	OrderKey    string `yaml:"order_key"`
	BatchSize   int    `yaml:"batch_size"`
}

// SettingsJSON renders the provider settings as JSON for destination builders.
func (d DestinationConfig) SettingsJSON() (json.RawMessage, error) {
	if len(d.Settings) == 0 {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(jsonSafe(d.Settings))
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings for destination %q: %w", d.Name, err)
	}
	return data, nil
}

// jsonSafe rewrites the map[any]any values YAML decoding produces into
// map[string]any so the tree can be marshaled as JSON.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = jsonSafe(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = jsonSafe(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonSafe(x[i])
		}
		return x
	default:
		return v
	}
}
