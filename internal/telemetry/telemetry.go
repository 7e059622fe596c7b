// Package telemetry reports anonymous usage measurements. Collection is
// opt-in via USAGE_COLLECTION_ALLOWED and stays off when no measurement
// credentials are configured.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/haivu-dev/beacon/internal/core/domain"
)

// optInEnv gates collection; anything but an affirmative value disables it.
const optInEnv = "USAGE_COLLECTION_ALLOWED"

const defaultBaseURL = "https://www.google-analytics.com/mp/collect"

// Config holds telemetry settings.
type Config struct {
	StateDir      string `yaml:"state_dir"`
	MeasurementID string `yaml:"measurement_id"`
	APISecret     string `yaml:"api_secret"`
	BaseURL       string `yaml:"base_url"`
}

// state persists the deployment identity across restarts.
type state struct {
	DeployID string    `yaml:"deploy_id"`
	Created  time.Time `yaml:"created"`
	OptIn    bool      `yaml:"opt_in"`
}

// Collector posts usage measurements. A nil *Collector is valid and inert,
// so callers report runs without checking whether collection is enabled.
type Collector struct {
	deployID string
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// New builds a collector. It returns nil when the operator has not opted in
// or no measurement credentials are configured.
func New(cfg Config) (*Collector, error) {
	if !optedIn() || cfg.MeasurementID == "" || cfg.APISecret == "" {
		return nil, nil
	}

	dir := cfg.StateDir
	if dir == "" {
		dir = ".beacon"
	}
	st, err := loadOrCreateState(dir)
	if err != nil {
		return nil, err
	}

	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	endpoint := fmt.Sprintf("%s?measurement_id=%s&api_secret=%s",
		base, url.QueryEscape(cfg.MeasurementID), url.QueryEscape(cfg.APISecret))

	return &Collector{
		deployID: st.DeployID,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      slog.Default().With("component", "telemetry"),
	}, nil
}

func optedIn() bool {
	switch strings.ToLower(os.Getenv(optInEnv)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// loadOrCreateState reads the deployment identity, minting and persisting a
// fresh one on first run or when the existing file is unreadable.
func loadOrCreateState(dir string) (*state, error) {
	path := filepath.Join(dir, "state.yaml")

	if data, err := os.ReadFile(path); err == nil {
		var st state
		if err := yaml.Unmarshal(data, &st); err == nil && st.DeployID != "" {
			return &st, nil
		}
	}

	st := &state{
		DeployID: fmt.Sprintf("beacon_%s", uuid.NewString()),
		Created:  time.Now().UTC(),
		OptIn:    true,
	}
	out, err := yaml.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal telemetry state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write telemetry state: %w", err)
	}
	return st, nil
}

// DeployID returns the stable deployment identity.
func (c *Collector) DeployID() string {
	if c == nil {
		return ""
	}
	return c.deployID
}

// RecordRun reports one finished activation run. It never blocks the caller
// and swallows delivery problems.
func (c *Collector) RecordRun(activation string, res domain.RunResult) {
	if c == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.post(ctx, activation, res); err != nil {
			c.log.Debug("Usage report failed", "error", err)
		}
	}()
}

func (c *Collector) post(ctx context.Context, activation string, res domain.RunResult) error {
	payload := map[string]any{
		"client_id":            c.deployID,
		"non_personalized_ads": true,
		"events": []map[string]any{{
			"name": "activation_run",
			"params": map[string]any{
				"activation":      activation,
				"successful_hits": res.SuccessfulHits,
				"failed_hits":     res.FailedHits,
				"dry_run":         res.DryRun,
			},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post usage event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("usage endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
