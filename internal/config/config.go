// Package config loads and saves the application configuration file.
package config

import (
	"encoding/json"
	"os"
)

// ProxyConfig describes an optional SOCKS proxy for the telegram connection.
// The shape is passed through to the transport without validation.
type ProxyConfig struct {
	ProxyType string `json:"proxy_type"`
	Addr      string `json:"addr"`
	Port      int    `json:"port"`
	RDNS      bool   `json:"rdns"`
}

// Config holds the crawl configuration persisted as config.json.
type Config struct {
	APIID   int          `json:"api_id"`
	APIHash string       `json:"api_hash"`
	GroupID string       `json:"group_id"`
	Proxy   *ProxyConfig `json:"proxy_config"`
}

// Load reads the configuration from path.
// Returns nil (without error) when the file does not exist or any of the
// required fields (api_id, api_hash, group_id) is missing, so callers can
// fall back to prompting the user for fresh values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.APIID == 0 || cfg.APIHash == "" || cfg.GroupID == "" {
		return nil, nil
	}

	return &cfg, nil
}

// Save writes the configuration to path as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Env returns the value of an environment variable or a default value.
// Used for ambient settings (log level, file locations) that do not belong
// in config.json.
func Env(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
