package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for exchanged.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Database      DatabaseConfig  `yaml:"database"`
	Market        MarketConfig    `yaml:"market"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	RateLimits    RateLimitConfig `yaml:"rate_limits"`
	Pools         []PoolConfig    `yaml:"pools"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// MarketConfig tunes swap pricing.
type MarketConfig struct {
	FeeBps int `yaml:"fee_bps"`
}

// SchedulerConfig tunes the smart-order sweep loop.
type SchedulerConfig struct {
	Interval Duration `yaml:"interval"`
	SliceBps int      `yaml:"slice_bps"`
}

// RateLimitConfig caps request throughput per route group.
type RateLimitConfig struct {
	Swaps  RouteLimit `yaml:"swaps"`
	Orders RouteLimit `yaml:"orders"`
}

// RouteLimit is one token-bucket setting.
type RouteLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// PoolConfig seeds one liquidity pool at startup. Reserves are whole token
// amounts; the service scales them internally.
type PoolConfig struct {
	AssetA   string  `yaml:"asset_a"`
	AssetB   string  `yaml:"asset_b"`
	ReserveA float64 `yaml:"reserve_a"`
	ReserveB float64 `yaml:"reserve_b"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7084"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "/var/data/exchanged.sqlite"
	}
	if cfg.Market.FeeBps == 0 {
		cfg.Market.FeeBps = 25
	}
	if cfg.Scheduler.Interval.Duration == 0 {
		cfg.Scheduler.Interval.Duration = 15 * time.Second
	}
	if cfg.Scheduler.SliceBps == 0 {
		cfg.Scheduler.SliceBps = 1_000
	}
	if cfg.RateLimits.Swaps.RequestsPerMinute == 0 {
		cfg.RateLimits.Swaps.RequestsPerMinute = 120
	}
	if cfg.RateLimits.Swaps.Burst == 0 {
		cfg.RateLimits.Swaps.Burst = 20
	}
	if cfg.RateLimits.Orders.RequestsPerMinute == 0 {
		cfg.RateLimits.Orders.RequestsPerMinute = 60
	}
	if cfg.RateLimits.Orders.Burst == 0 {
		cfg.RateLimits.Orders.Burst = 10
	}
}

func validate(cfg Config) error {
	if cfg.Market.FeeBps < 0 || cfg.Market.FeeBps >= 10_000 {
		return fmt.Errorf("market fee out of range")
	}
	if cfg.Scheduler.SliceBps < 0 || cfg.Scheduler.SliceBps > 10_000 {
		return fmt.Errorf("scheduler slice fraction out of range")
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	for _, pool := range cfg.Pools {
		if pool.AssetA == "" || pool.AssetB == "" || pool.AssetA == pool.AssetB {
			return fmt.Errorf("pool assets must be distinct and non-empty")
		}
		if pool.ReserveA <= 0 || pool.ReserveB <= 0 {
			return fmt.Errorf("pool reserves must be positive")
		}
	}
	return nil
}
