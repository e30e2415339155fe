package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the per-account ~/.courier/<account>/config.toml.
type Config struct {
	// PresenceThresholdSecs is how old a peer heartbeat may be before the
	// peer is reported offline. Zero means DefaultPresenceThresholdSecs.
	PresenceThresholdSecs int `toml:"presence_threshold_secs"`
	// PageSize is the number of most recent messages kept live per chat
	// subscription. Zero means DefaultPageSize.
	PageSize int `toml:"page_size"`
	// MediaDir overrides the default media cache directory.
	MediaDir string `toml:"media_dir"`
}

// Defaults applied by Normalize.
const (
	DefaultPresenceThresholdSecs = 60
	DefaultPageSize              = 50
)

// Normalize fills in zero-valued fields with their defaults. accountDir is
// used to place the media cache when no override is configured.
func (c *Config) Normalize(accountDir string) {
	if c.PresenceThresholdSecs <= 0 {
		c.PresenceThresholdSecs = DefaultPresenceThresholdSecs
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MediaDir == "" {
		c.MediaDir = filepath.Join(accountDir, "media")
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing; callers that want defaults should start from a zero Config and
// Normalize it.
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
