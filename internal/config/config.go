// Package config loads geocache's configuration, enumerated in spec.md
// §6, generalizing the teacher's single getenv() helper
// (cmd/coordinator/main.go) into a full struct: a YAML file with env-var
// overrides for the handful of settings most often tuned per-deployment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Strategy is the `cache.strategy` option (spec.md §6).
type Strategy string

const (
	StrategyAlways Strategy = "always"
	StrategyCostly Strategy = "costly"
)

// Replacement is the `cache.replacement` option.
type Replacement string

const (
	ReplacementLRU Replacement = "lru"
)

// CacheConfig bundles the `cache.*` options.
type CacheConfig struct {
	Enabled          bool        `yaml:"enabled"`
	Strategy         Strategy    `yaml:"strategy"`
	Replacement      Replacement `yaml:"replacement"`
	CostlyThreshold  float64     `yaml:"costly_threshold"`
	RasterBytes      int64       `yaml:"raster_size"`
	PointsBytes      int64       `yaml:"points_size"`
	LinesBytes       int64       `yaml:"lines_size"`
	PolygonsBytes    int64       `yaml:"polygons_size"`
	PlotsBytes       int64       `yaml:"plots_size"`
}

// IndexServerConfig bundles `indexserver.*`.
type IndexServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NodeServerConfig bundles `nodeserver.*`.
type NodeServerConfig struct {
	Threads int `yaml:"threads"`
}

// ReorgConfig bundles `reorg.*`.
type ReorgConfig struct {
	IntervalSeconds   int     `yaml:"interval_seconds"`
	ColocationWeight  float64 `yaml:"colocation_weight"`
}

// DeliveryConfig bundles `delivery.*`.
type DeliveryConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// Config is the complete set of options from spec.md §6.
type Config struct {
	Cache       CacheConfig       `yaml:"cache"`
	IndexServer IndexServerConfig `yaml:"indexserver"`
	NodeServer  NodeServerConfig  `yaml:"nodeserver"`
	Reorg       ReorgConfig       `yaml:"reorg"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
}

// Default returns the configuration with every default spec.md §6 names
// explicitly ("all optional with defaults").
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Enabled:         true,
			Strategy:        StrategyAlways,
			Replacement:     ReplacementLRU,
			CostlyThreshold: 2.0,
			RasterBytes:     64 << 20,
			PointsBytes:     32 << 20,
			LinesBytes:      32 << 20,
			PolygonsBytes:   32 << 20,
			PlotsBytes:      8 << 20,
		},
		IndexServer: IndexServerConfig{Host: "0.0.0.0", Port: 9401},
		NodeServer:  NodeServerConfig{Threads: 4},
		Reorg:       ReorgConfig{IntervalSeconds: 60, ColocationWeight: 0.5},
		Delivery:    DeliveryConfig{TTLSeconds: 30},
	}
}

// Load reads path (if non-empty and present) as YAML over the defaults,
// then applies environment variable overrides (GEOCACHE_* prefixed),
// mirroring the teacher's getenv(name, default) shape but for a whole
// struct instead of one string.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEOCACHE_INDEXSERVER_HOST"); v != "" {
		cfg.IndexServer.Host = v
	}
	if v := os.Getenv("GEOCACHE_INDEXSERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IndexServer.Port = n
		}
	}
	if v := os.Getenv("GEOCACHE_NODESERVER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NodeServer.Threads = n
		}
	}
	if v := os.Getenv("GEOCACHE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = v != "false" && v != "0"
	}
	if v := os.Getenv("GEOCACHE_REORG_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reorg.IntervalSeconds = n
		}
	}
}
