package service

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/conversekit/converse/session"
)

const defaultTTLSeconds = 30 * 24 * 60 * 60 // 30 days

// Config holds initialization parameters for the service and its
// subsystems. Subsystem sections delegate to that subsystem's defaults.
type Config struct {
	Session session.Config `json:"session"`
	// TTLSeconds bounds how long an idle conversation survives in the
	// durable tier. Zero after merge means the default; negative disables
	// expiry.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Session:    session.DefaultConfig(),
		TTLSeconds: defaultTTLSeconds,
	}
}

// TTL returns the cold-tier expiry as a duration; zero means no expiry.
func (c Config) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	c.Session.Merge(&source.Session)
	if source.TTLSeconds != 0 {
		c.TTLSeconds = source.TTLSeconds
	}
}

// LoadConfig reads a JSON config file, merges it with defaults, and returns
// the resulting Config.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
