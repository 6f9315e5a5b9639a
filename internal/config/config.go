package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Remote service endpoints.
	MessageServiceURL string `toml:"message_service_url"`
	ContactServiceURL string `toml:"contact_service_url"`
	MediaServiceURL   string `toml:"media_service_url"`

	// ContactBatchSize bounds one remote contact validation request.
	// Zero selects the engine default.
	ContactBatchSize int `toml:"contact_batch_size"`

	// AvatarRefreshHours is the avatar staleness window. Zero selects
	// the cache default.
	AvatarRefreshHours int `toml:"avatar_refresh_hours"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
