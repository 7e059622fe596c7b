package ga4

import (
	"fmt"
	"net/url"
	"time"
)

const (
	defaultBaseURL = "https://www.google-analytics.com"
	collectPath    = "/mp/collect"
	debugPath      = "/debug/mp/collect"

	defaultConcurrency = 8
	defaultTimeout     = 10 * time.Second
)

// Config describes one measurement-protocol destination. EventType selects
// the stream variant: "gtag" web streams identify events by client id and
// credential by measurement id, "firebase" app streams use the app
// instance id and the firebase app id.
type Config struct {
	EventType          string                       `json:"event_type"`
	APISecret          string                       `json:"api_secret"`
	MeasurementID      string                       `json:"measurement_id,omitempty"`
	FirebaseAppID      string                       `json:"firebase_app_id,omitempty"`
	NonPersonalizedAds bool                         `json:"non_personalized_ads,omitempty"`
	Debug              bool                         `json:"debug,omitempty"`
	UserProperties     map[string]map[string]string `json:"user_properties,omitempty"`
	BaseURL            string                       `json:"base_url,omitempty"`
	Concurrency        int                          `json:"concurrency,omitempty"`
	TimeoutSeconds     int                          `json:"timeout_seconds,omitempty"`
}

// stream holds the variant-specific pieces, resolved once at build time so
// the per-event path never branches on the variant.
type stream struct {
	identityField string
	queryParam    string
	queryValue    string
}

func (c *Config) resolveStream() (*stream, error) {
	switch c.EventType {
	case "gtag":
		if c.MeasurementID == "" {
			return nil, fmt.Errorf("gtag destinations require measurement_id")
		}
		return &stream{identityField: "client_id", queryParam: "measurement_id", queryValue: c.MeasurementID}, nil
	case "firebase":
		if c.FirebaseAppID == "" {
			return nil, fmt.Errorf("firebase destinations require firebase_app_id")
		}
		return &stream{identityField: "app_instance_id", queryParam: "firebase_app_id", queryValue: c.FirebaseAppID}, nil
	default:
		return nil, fmt.Errorf("unknown event_type %q", c.EventType)
	}
}

func (c *Config) validate() error {
	if c.APISecret == "" {
		return fmt.Errorf("api_secret is required")
	}
	_, err := c.resolveStream()
	return err
}

// apiURL builds a collect endpoint with credentials in the query string.
// The debug flag pins even live sends to the validation endpoint.
func (c *Config) apiURL(s *stream, validate bool) string {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	path := collectPath
	if validate || c.Debug {
		path = debugPath
	}
	q := url.Values{}
	q.Set("api_secret", c.APISecret)
	q.Set(s.queryParam, s.queryValue)
	return base + path + "?" + q.Encode()
}

func (c *Config) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

func (c *Config) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return defaultConcurrency
}
