// Package config loads server settings from an optional YAML file plus
// WATCHPARTY_-prefixed environment variables, with sane defaults for every
// key.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Addr          string        `mapstructure:"addr"`
	MaxConnsPerIP int           `mapstructure:"max_conns_per_ip"`
	DrainAfter    time.Duration `mapstructure:"drain_after"`
	SweepEvery    time.Duration `mapstructure:"sweep_every"`
	IdleAfter     time.Duration `mapstructure:"idle_after"`
	ICEServers    []string      `mapstructure:"ice_servers"`
}

// Load reads the configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("addr", ":8080")
	v.SetDefault("max_conns_per_ip", 10)
	v.SetDefault("drain_after", "5m")
	v.SetDefault("sweep_every", "10m")
	v.SetDefault("idle_after", "30m")
	v.SetDefault("ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})

	v.SetEnvPrefix("watchparty")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
