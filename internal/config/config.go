// Package config loads peerlink CLI configuration from defaults, an optional
// YAML file, PEERLINK_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rudransh-shrivastava/peerlink/internal/logger"
	"github.com/rudransh-shrivastava/peerlink/internal/packet"
)

const envPrefix = "PEERLINK"

type Config struct {
	// Backend is the transport backend name: quic, webrtc or mem.
	Backend string `mapstructure:"backend"`

	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`

	// MaxClients bounds the peers a server accepts.
	MaxClients int `mapstructure:"max_clients"`

	// Mode is reliable, unreliable or unreliable_ordered.
	Mode string `mapstructure:"mode"`

	// PollInterval is the delay between two polls of the engine.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Log     LogConfig     `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Bench   BenchConfig   `mapstructure:"bench"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

// HistoryConfig points at the sqlite session ledger. An empty path disables it.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

type BenchConfig struct {
	Count int `mapstructure:"count"`
	Size  int `mapstructure:"size"`
}

func Default() *Config {
	return &Config{
		Backend:      "quic",
		Address:      "127.0.0.1",
		Port:         7777,
		MaxClients:   32,
		Mode:         "reliable",
		PollInterval: 10 * time.Millisecond,
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
		Bench: BenchConfig{
			Count: 1000,
			Size:  256,
		},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"backend":       "backend",
	"address":       "address",
	"port":          "port",
	"max-clients":   "max_clients",
	"mode":          "mode",
	"poll-interval": "poll_interval",
	"log-level":     "log.level",
	"no-color":      "",
	"history":       "history.path",
	"count":         "bench.count",
	"size":          "bench.size",
}

// Load reads the configuration. path may be empty, in which case
// PEERLINK_CONFIG and then ./peerlink.yaml and ~/.peerlink/peerlink.yaml are
// tried. Only flags the user changed override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("address", cfg.Address)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("max_clients", cfg.MaxClients)
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.color", cfg.Log.Color)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("bench.count", cfg.Bench.Count)
	v.SetDefault("bench.size", cfg.Bench.Size)

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("peerlink")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".peerlink"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || key == "" {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		if f := flags.Lookup("no-color"); f != nil && f.Changed {
			v.Set("log.color", f.Value.String() != "true")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TransferMode returns Mode as a packet mode. Load has already validated it.
func (c *Config) TransferMode() packet.Mode {
	m, _ := ParseMode(c.Mode)
	return m
}

func ParseMode(s string) (packet.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reliable":
		return packet.ModeReliable, nil
	case "unreliable":
		return packet.ModeUnreliable, nil
	case "unreliable_ordered", "unreliable-ordered":
		return packet.ModeUnreliableOrdered, nil
	}
	return 0, fmt.Errorf("invalid mode: %q", s)
}

func (c *Config) validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}

	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		return errors.New("backend must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("invalid max_clients: %d", c.MaxClients)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll_interval: %s", c.PollInterval)
	}
	if c.Bench.Count < 1 || c.Bench.Size < 1 {
		return fmt.Errorf("invalid bench settings: count=%d size=%d", c.Bench.Count, c.Bench.Size)
	}
	return nil
}
