// Package config handles configuration loading for the tileview server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Sources SourcesConfig `yaml:"sources"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	CORSOrigins            []string `yaml:"cors_origins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

// SourceConfig describes one named image source.
type SourceConfig struct {
	Path   string  `yaml:"path"`
	NoData *uint32 `yaml:"nodata"` // Overrides the file's no-data value
}

// SourcesConfig holds the named image sources. The first source in file
// order is the default one.
//
// Two layouts are accepted:
//
//	sources:
//	  path: /data/scan.tif          # single source named "default"
//
//	sources:
//	  scan:
//	    path: /data/scan.tif
//	  mosaic:
//	    path: /data/mosaic.raw
type SourcesConfig struct {
	Default string
	Entries map[string]SourceConfig
	Order   []string
}

// UnmarshalYAML keeps the file order of named sources.
func (s *SourcesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("sources: expected a mapping, got %v", node.Tag)
	}
	s.Entries = make(map[string]SourceConfig)
	s.Order = nil

	// Legacy single-source layout: scalar values at the top level.
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i+1].Kind != yaml.MappingNode {
			var single SourceConfig
			if err := node.Decode(&single); err != nil {
				return fmt.Errorf("sources: %w", err)
			}
			s.Entries["default"] = single
			s.Order = []string{"default"}
			s.Default = "default"
			return nil
		}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var sc SourceConfig
		if err := node.Content[i+1].Decode(&sc); err != nil {
			return fmt.Errorf("sources.%s: %w", name, err)
		}
		if _, dup := s.Entries[name]; !dup {
			s.Order = append(s.Order, name)
		}
		s.Entries[name] = sc
	}
	if len(s.Order) > 0 {
		s.Default = s.Order[0]
	}
	return nil
}

// Lookup returns the source called name.
func (s SourcesConfig) Lookup(name string) (SourceConfig, bool) {
	sc, ok := s.Entries[name]
	return sc, ok
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	FrameSizeMB     int `yaml:"frame_size_mb"`     // Encoded frame cache (bigcache)
	FrameTTLMinutes int `yaml:"frame_ttl_minutes"` // Encoded frame lifetime
	SourceEntries   int `yaml:"source_entries"`    // Decoded sources kept in memory
	SourceSizeMB    int `yaml:"source_size_mb"`    // Largest decoded source kept in memory
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize             int     `yaml:"tile_size"`
	Increment            int     `yaml:"increment"` // Rows per progress increment, 0 = automatic
	Preview              int     `yaml:"preview"`   // Preview block size, 0 = off
	Immediate            bool    `yaml:"immediate"` // Report every tile as it completes
	CancelTimeoutSeconds int     `yaml:"cancel_timeout_seconds"`
	MinScale             float64 `yaml:"min_scale"`
	MaxScale             float64 `yaml:"max_scale"`
	DefaultColormap      string  `yaml:"default_colormap"`
	MaxViews             int     `yaml:"max_views"`
}

// CancelTimeout returns the cancel wait bound.
func (r RenderConfig) CancelTimeout() time.Duration {
	return time.Duration(r.CancelTimeoutSeconds) * time.Second
}

// StoreConfig contains session store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite file, empty disables sessions
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   8080,
			CORSOrigins:            []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeoutSeconds: 30,
		},
		Sources: SourcesConfig{
			Entries: map[string]SourceConfig{},
		},
		Cache: CacheConfig{
			FrameSizeMB:     256,
			FrameTTLMinutes: 10,
			SourceEntries:   8,
			SourceSizeMB:    1024,
		},
		Render: RenderConfig{
			TileSize:             256,
			CancelTimeoutSeconds: 10,
			MinScale:             1.0 / 64,
			MaxScale:             64,
			DefaultColormap:      "gray",
			MaxViews:             64,
		},
		Store: StoreConfig{
			Path: "./data/sessions.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = defaults.Server.ShutdownTimeoutSeconds
	}
	if cfg.Sources.Entries == nil {
		cfg.Sources.Entries = map[string]SourceConfig{}
	}
	if cfg.Cache.FrameSizeMB == 0 {
		cfg.Cache.FrameSizeMB = defaults.Cache.FrameSizeMB
	}
	if cfg.Cache.FrameTTLMinutes == 0 {
		cfg.Cache.FrameTTLMinutes = defaults.Cache.FrameTTLMinutes
	}
	if cfg.Cache.SourceEntries == 0 {
		cfg.Cache.SourceEntries = defaults.Cache.SourceEntries
	}
	if cfg.Cache.SourceSizeMB == 0 {
		cfg.Cache.SourceSizeMB = defaults.Cache.SourceSizeMB
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.CancelTimeoutSeconds == 0 {
		cfg.Render.CancelTimeoutSeconds = defaults.Render.CancelTimeoutSeconds
	}
	if cfg.Render.MinScale == 0 {
		cfg.Render.MinScale = defaults.Render.MinScale
	}
	if cfg.Render.MaxScale == 0 {
		cfg.Render.MaxScale = defaults.Render.MaxScale
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.MaxViews == 0 {
		cfg.Render.MaxViews = defaults.Render.MaxViews
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

func (c *Config) validate() error {
	if c.Render.TileSize < 0 {
		return fmt.Errorf("render.tile_size must be positive, got %d", c.Render.TileSize)
	}
	if c.Render.MinScale < 0 || c.Render.MaxScale < 0 || c.Render.MinScale > c.Render.MaxScale {
		return fmt.Errorf("render: invalid scale limits %g..%g", c.Render.MinScale, c.Render.MaxScale)
	}
	for _, name := range c.Sources.Order {
		if c.Sources.Entries[name].Path == "" {
			return fmt.Errorf("sources.%s: path is required", name)
		}
	}
	return nil
}
