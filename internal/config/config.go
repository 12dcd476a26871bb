// Package config loads the engine configuration from an optional YAML file
// with environment-variable overrides (PERPSIM_ prefix).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Session   SessionConfig   `mapstructure:"session"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

type ServerConfig struct {
	Port             int `mapstructure:"port"`
	ShutdownGraceSec int `mapstructure:"shutdown_grace_sec"`
}

type EngineConfig struct {
	Symbol                string  `mapstructure:"symbol"`
	InitialBalance        float64 `mapstructure:"initial_balance"`
	MaxLeverage           float64 `mapstructure:"max_leverage"`
	DefaultLeverage       float64 `mapstructure:"default_leverage"`
	LiquidationThreshold  float64 `mapstructure:"liquidation_threshold"`
	MaintenanceMarginRate float64 `mapstructure:"maintenance_margin_rate"`
	MakerFee              float64 `mapstructure:"maker_fee"`
	TakerFee              float64 `mapstructure:"taker_fee"`
}

type SessionConfig struct {
	RateLimitPerSecond   int `mapstructure:"rate_limit_per_second"`
	InactivityTimeoutSec int `mapstructure:"inactivity_timeout_sec"`
	PingIntervalSec      int `mapstructure:"ping_interval_sec"`
	SendBuffer           int `mapstructure:"send_buffer"`
}

type BroadcastConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	DrainIntervalMs int `mapstructure:"drain_interval_ms"`
	EventBuffer     int `mapstructure:"event_buffer"`
}

type FeedConfig struct {
	URL            string `mapstructure:"url"`
	ReconnectMinMs int    `mapstructure:"reconnect_min_ms"`
	ReconnectMaxMs int    `mapstructure:"reconnect_max_ms"`
	MaxReconnects  int    `mapstructure:"max_reconnects"`
	SnapshotTTLSec int    `mapstructure:"snapshot_ttl_sec"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// Load reads configuration from the given file path (optional) and the
// environment. Missing file is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/perpsim")
	}

	v.SetEnvPrefix("PERPSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_grace_sec", 5)

	v.SetDefault("engine.symbol", "BTC-USD")
	v.SetDefault("engine.initial_balance", 10000)
	v.SetDefault("engine.max_leverage", 100)
	v.SetDefault("engine.default_leverage", 10)
	v.SetDefault("engine.liquidation_threshold", 0.8)
	v.SetDefault("engine.maintenance_margin_rate", 0.005)
	v.SetDefault("engine.maker_fee", 0.0002)
	v.SetDefault("engine.taker_fee", 0.0005)

	v.SetDefault("session.rate_limit_per_second", 20)
	v.SetDefault("session.inactivity_timeout_sec", 120)
	v.SetDefault("session.ping_interval_sec", 30)
	v.SetDefault("session.send_buffer", 64)

	v.SetDefault("broadcast.batch_size", 10)
	v.SetDefault("broadcast.drain_interval_ms", 10)
	v.SetDefault("broadcast.event_buffer", 256)

	v.SetDefault("feed.url", "")
	v.SetDefault("feed.reconnect_min_ms", 250)
	v.SetDefault("feed.reconnect_max_ms", 5000)
	v.SetDefault("feed.max_reconnects", 0) // 0 = retry forever
	v.SetDefault("feed.snapshot_ttl_sec", 30)

	v.SetDefault("redis.url", "")
}
