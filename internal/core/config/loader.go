package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Retry.SweepInterval == 0 {
		cfg.Retry.SweepInterval = 30 * time.Second
	}
	if cfg.Retry.Lease == 0 {
		cfg.Retry.Lease = 5 * time.Minute
	}
	if cfg.Retry.BatchLimit == 0 {
		cfg.Retry.BatchLimit = 50
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = time.Minute
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 4 * time.Hour
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}

	for i := range cfg.Activations {
		if cfg.Activations[i].BatchSize == 0 {
			cfg.Activations[i].BatchSize = 1000
		}
	}

	return &cfg, nil
}
