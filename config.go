package netreactor

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type ServerConfig struct {
	Name           string `yaml:"name" toml:"name"`
	Address        string `yaml:"address" toml:"address"`
	ReusePort      bool   `yaml:"reuse_port" toml:"reuse_port"`
	Threads        int    `yaml:"threads" toml:"threads"`
	Poller         string `yaml:"poller" toml:"poller"`
	Dispatch       string `yaml:"dispatch" toml:"dispatch"`
	HighWaterMark  int    `yaml:"high_water_mark" toml:"high_water_mark"`
	StatsPeriodSec int    `yaml:"stats_period_sec" toml:"stats_period_sec"`
}

type Config struct {
	Global Global       `yaml:"global" toml:"global"`
	Server ServerConfig `yaml:"server" toml:"server"`
}

func DefaultConfig() *Config {
	return &Config{
		Global: Global{LogLevel: "info"},
		Server: ServerConfig{
			Name:           "netreactor",
			Address:        "0.0.0.0:2007",
			Poller:         string(EpollPoller),
			Dispatch:       "round_robin",
			HighWaterMark:  DefaultHighWaterMark,
			StatsPeriodSec: 20,
		},
	}
}

// LoadConfig reads a .yaml/.yml or .toml file. Missing settings take their
// DefaultConfig values.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		err = fmt.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, err
	}
	applyDefaults(config)
	if err = validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyDefaults(config *Config) {
	defaults := DefaultConfig()
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = defaults.Global.LogLevel
	}
	if config.Server.Name == "" {
		config.Server.Name = defaults.Server.Name
	}
	if config.Server.Address == "" {
		config.Server.Address = defaults.Server.Address
	}
	if config.Server.Poller == "" {
		config.Server.Poller = defaults.Server.Poller
	}
	if config.Server.Dispatch == "" {
		config.Server.Dispatch = defaults.Server.Dispatch
	}
	if config.Server.HighWaterMark == 0 {
		config.Server.HighWaterMark = defaults.Server.HighWaterMark
	}
	if config.Server.StatsPeriodSec == 0 {
		config.Server.StatsPeriodSec = defaults.Server.StatsPeriodSec
	}
}

func validateConfig(config *Config) error {
	if config.Server.Address == "" {
		return fmt.Errorf("server address is empty")
	}
	if config.Server.Threads < 0 {
		return fmt.Errorf("negative thread count: %d", config.Server.Threads)
	}
	if config.Server.HighWaterMark <= 0 {
		return fmt.Errorf("high water mark must be positive: %d", config.Server.HighWaterMark)
	}
	if _, err := ParsePollerKind(config.Server.Poller); err != nil {
		return fmt.Errorf("%w: %s", err, config.Server.Poller)
	}
	if _, err := ParseDispatchStrategy(config.Server.Dispatch); err != nil {
		return err
	}
	return nil
}

func ParseDispatchStrategy(s string) (DispatchStrategy, error) {
	switch strings.ToLower(s) {
	case "", "round_robin", "roundrobin":
		return RoundRobin, nil
	case "peer_hash", "peerhash":
		return PeerHash, nil
	}
	return RoundRobin, fmt.Errorf("unknown dispatch strategy: %s", s)
}
