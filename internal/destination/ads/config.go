package ads

import (
	"fmt"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Config describes one user-data upload destination. The five credential
// fields are what a mutate client cannot be built without.
type Config struct {
	Endpoint        string `json:"endpoint"`
	ClientID        string `json:"client_id"`
	ClientSecret    string `json:"client_secret"`
	DeveloperToken  string `json:"developer_token"`
	LoginCustomerID string `json:"login_customer_id"`
	RefreshToken    string `json:"refresh_token"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
}

// Validate reports every missing credential in one message rather than
// stopping at the first.
func (c *Config) Validate() error {
	checks := []struct{ name, value string }{
		{"client_id", c.ClientID},
		{"client_secret", c.ClientSecret},
		{"developer_token", c.DeveloperToken},
		{"login_customer_id", c.LoginCustomerID},
		{"refresh_token", c.RefreshToken},
	}
	var missing []string
	for _, ch := range checks {
		if ch.value == "" {
			missing = append(missing, ch.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config requires the following fields to be set: %s", strings.Join(missing, ", "))
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return nil
}

func (c *Config) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}
