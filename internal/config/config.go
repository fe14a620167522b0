package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the viewer engine configuration
type Config struct {
	// Playback settings
	Playback PlaybackConfig `yaml:"playback"`

	// Buffering settings
	Buffer BufferConfig `yaml:"buffer"`

	// Slice pixel cache settings
	Cache CacheConfig `yaml:"cache"`

	// Slice loader settings
	Loader LoaderConfig `yaml:"loader"`
}

// PlaybackConfig represents cine playback settings
type PlaybackConfig struct {
	DefaultFrameRate int     `yaml:"default_frame_rate"`
	Speed            float64 `yaml:"speed"`
}

// BufferConfig represents prefetch buffer settings
type BufferConfig struct {
	Size               int  `yaml:"size"`
	PreloadRadius      int  `yaml:"preload_radius"`
	MaxConcurrentLoads int  `yaml:"max_concurrent_loads"`
	Adaptive           bool `yaml:"adaptive"`
	Smoothing          bool `yaml:"smoothing"`
}

// CacheConfig represents slice cache settings
type CacheConfig struct {
	Directory string `yaml:"directory"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// LoaderConfig represents slice loader settings
type LoaderConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Playback: PlaybackConfig{
			DefaultFrameRate: 10,
			Speed:            1.0,
		},
		Buffer: BufferConfig{
			Size:               20,
			PreloadRadius:      5,
			MaxConcurrentLoads: 3,
			Adaptive:           true,
			Smoothing:          true,
		},
		Cache: CacheConfig{
			Directory: "/tmp/cinescrub-cache",
			MaxSizeMB: 512,
		},
		Loader: LoaderConfig{
			TimeoutSeconds: 30,
		},
	}
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// If file doesn't exist, return default config
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Validate()
	return &cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate clamps out-of-range values to their legal bounds
func (c *Config) Validate() {
	if c.Playback.DefaultFrameRate < 1 {
		c.Playback.DefaultFrameRate = 1
	}
	if c.Playback.DefaultFrameRate > 60 {
		c.Playback.DefaultFrameRate = 60
	}
	if c.Playback.Speed < 0.1 {
		c.Playback.Speed = 0.1
	}
	if c.Playback.Speed > 5.0 {
		c.Playback.Speed = 5.0
	}
	if c.Buffer.Size < 1 {
		c.Buffer.Size = DefaultConfig().Buffer.Size
	}
	if c.Buffer.PreloadRadius < 1 {
		c.Buffer.PreloadRadius = DefaultConfig().Buffer.PreloadRadius
	}
	if c.Buffer.MaxConcurrentLoads < 1 {
		c.Buffer.MaxConcurrentLoads = 1
	}
	if c.Cache.MaxSizeMB < 1 {
		c.Cache.MaxSizeMB = DefaultConfig().Cache.MaxSizeMB
	}
	if c.Loader.TimeoutSeconds < 1 {
		c.Loader.TimeoutSeconds = DefaultConfig().Loader.TimeoutSeconds
	}
}
