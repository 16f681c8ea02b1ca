// Package config provides configuration loading and management for nimsdata.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many workers decode frames in parallel
		NumCores int `yaml:"numCores"`

		// MaxLocalizerDicoms is the largest series still considered a localizer
		MaxLocalizerDicoms int `yaml:"maxLocalizerDicoms"`

		// MemoryFraction bounds how much of the host memory an archive may
		// expand to when it is buffered
		MemoryFraction float64 `yaml:"memoryFraction"`
	} `yaml:"processing"`

	// NIfTI writer parameters
	Nifti struct {
		// CalMinPercentile and CalMaxPercentile pick the display window
		CalMinPercentile float64 `yaml:"calMinPercentile"`
		CalMaxPercentile float64 `yaml:"calMaxPercentile"`
	} `yaml:"nifti"`

	// Montage writer parameters
	Montage struct {
		// Type is one of zip, dir or png
		Type string `yaml:"type"`

		// TileSize is the edge of a pyramid tile in pixels
		TileSize int `yaml:"tileSize"`

		// Multi writes a montage for every label, not only the primary one
		Multi bool `yaml:"multi"`

		// JPEGQuality is the quality of pyramid tiles
		JPEGQuality int `yaml:"jpegQuality"`

		// ClipLow and ClipHigh are the windowing percentiles
		ClipLow  float64 `yaml:"clipLow"`
		ClipHigh float64 `yaml:"clipHigh"`
	} `yaml:"montage"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.MaxLocalizerDicoms = 150
	cfg.Processing.MemoryFraction = 0.5

	cfg.Nifti.CalMinPercentile = 10
	cfg.Nifti.CalMaxPercentile = 99.5

	cfg.Montage.Type = "zip"
	cfg.Montage.TileSize = 512
	cfg.Montage.Multi = false
	cfg.Montage.JPEGQuality = 85
	cfg.Montage.ClipLow = 20
	cfg.Montage.ClipHigh = 99

	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the readers and writers cannot work with
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		return errors.Errorf("processing.numCores must be positive, got %d", c.Processing.NumCores)
	}
	if c.Processing.MemoryFraction <= 0 || c.Processing.MemoryFraction > 1 {
		return errors.Errorf("processing.memoryFraction must be in (0, 1], got %g", c.Processing.MemoryFraction)
	}
	if c.Nifti.CalMinPercentile > c.Nifti.CalMaxPercentile {
		return errors.New("nifti.calMinPercentile exceeds nifti.calMaxPercentile")
	}
	switch c.Montage.Type {
	case "zip", "dir", "png":
	default:
		return errors.Errorf("montage.type must be zip, dir or png, got %q", c.Montage.Type)
	}
	if c.Montage.TileSize < 1 {
		return errors.Errorf("montage.tileSize must be positive, got %d", c.Montage.TileSize)
	}
	if c.Montage.ClipLow >= c.Montage.ClipHigh {
		return errors.New("montage.clipLow must be below montage.clipHigh")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
