package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "RENDEZVOUS"

	StoreMemory = "memory"
	StoreFile   = "file"
	StoreBadger = "badger"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr   string        `mapstructure:"api-listen-addr"`
	WSListenAddr    string        `mapstructure:"ws-listen-addr"`
	LogLevel        string        `mapstructure:"log-level"`
	Store           string        `mapstructure:"store"`
	StateFile       string        `mapstructure:"state-file"`
	BadgerDir       string        `mapstructure:"badger-dir"`
	ConflictRetries int           `mapstructure:"conflict-retries"`
	MaxPollWait     time.Duration `mapstructure:"max-poll-wait"`
	SignalRate      float64       `mapstructure:"signal-rate"`
	SignalBurst     int           `mapstructure:"signal-burst"`
	RateLimitPeers  int           `mapstructure:"rate-limit-peers"`
}

// Load reads flags from args, then RENDEZVOUS_* environment variables and
// an optional YAML file given by --config. Explicit flags win over env,
// env wins over the file.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("rendezvous", pflag.ContinueOnError)

	configFile := fs.StringP("config", "c", "", "path to YAML config file")
	fs.StringP("api-listen-addr", "a", ":8080", "long-polling api listen address")
	fs.StringP("ws-listen-addr", "w", ":8888", "websocket presence listen address")
	fs.StringP("log-level", "l", "info", "log level")
	fs.String("store", StoreMemory, "state store: memory, file or badger")
	fs.String("state-file", "rendezvous_state.json", "state file path for file store")
	fs.String("badger-dir", "rendezvous_state", "database directory for badger store")
	fs.Int("conflict-retries", 10, "badger store retries for conflicting commits")
	fs.Duration("max-poll-wait", 25*time.Second, "upper bound for long-poll wait")
	fs.Float64("signal-rate", 0, "signals per second allowed per sender, 0 disables limiting")
	fs.Int("signal-burst", 20, "signal burst allowed per sender")
	fs.Int("rate-limit-peers", 10000, "max senders tracked by the rate limiter")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", *configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	var errs []error
	switch cfg.Store {
	case StoreMemory:
	case StoreFile:
		if cfg.StateFile == "" {
			errs = append(errs, errors.New("state-file is required for file store"))
		}
	case StoreBadger:
		if cfg.BadgerDir == "" {
			errs = append(errs, errors.New("badger-dir is required for badger store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", cfg.Store))
	}
	if cfg.MaxPollWait < 0 {
		errs = append(errs, errors.New("max-poll-wait must not be negative"))
	}
	if cfg.SignalRate < 0 {
		errs = append(errs, errors.New("signal-rate must not be negative"))
	}
	if cfg.APIListenAddr == "" {
		errs = append(errs, errors.New("api-listen-addr is required"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}
