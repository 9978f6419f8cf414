package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.palabre/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Remote Remote `toml:"remote"`
	Cache  Cache  `toml:"cache"`
}

// Remote holds the backend endpoints and credentials.
type Remote struct {
	// BaseURL is the project base, e.g. https://xyz.example.co.
	// The row API lives under /rest/v1, realtime under /realtime/v1,
	// storage under /storage/v1.
	BaseURL string `toml:"base_url"`
	AnonKey string `toml:"anon_key"`
	// Bucket for chat and forum media uploads.
	Bucket string `toml:"bucket"`
}

// Cache holds local cache tuning.
type Cache struct {
	// MaxBytes is the whole-cache eviction ceiling. Zero means the
	// built-in 50 MB default.
	MaxBytes int64 `toml:"max_bytes"`
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
