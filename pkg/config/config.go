package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the orchestrator.
type Config struct {
	Server struct {
		Addr           string   `mapstructure:"addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Storage struct {
		Driver      string `mapstructure:"driver"`
		DatabaseURL string `mapstructure:"database_url"`
		SQLitePath  string `mapstructure:"sqlite_path"`
		Seed        bool   `mapstructure:"seed"`
	} `mapstructure:"storage"`
	Catalog struct {
		File string `mapstructure:"file"`
	} `mapstructure:"catalog"`
	Simulation struct {
		StepDelay  time.Duration `mapstructure:"step_delay"`
		Order      string        `mapstructure:"order"`
		Seed       uint64        `mapstructure:"seed"`
		Dispatcher string        `mapstructure:"dispatcher"`
		Endpoint   string        `mapstructure:"endpoint"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"simulation"`
	Governance struct {
		CostCeiling float64 `mapstructure:"cost_ceiling"`
	} `mapstructure:"governance"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// New returns a viper instance with defaults, the ORCHESTRATOR_ environment prefix
// and the orchestrator.yaml search path configured.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("orchestrator")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3003"})
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.sqlite_path", "orchestrator.db")
	v.SetDefault("storage.seed", true)
	v.SetDefault("catalog.file", "")
	v.SetDefault("simulation.step_delay", 800*time.Millisecond)
	v.SetDefault("simulation.order", "list")
	v.SetDefault("simulation.seed", 0)
	v.SetDefault("simulation.dispatcher", "mock")
	v.SetDefault("simulation.endpoint", "")
	v.SetDefault("simulation.timeout", 10*time.Second)
	v.SetDefault("governance.cost_ceiling", 5.00)
	v.SetDefault("log.level", "info")
	return v
}

// Load reads the optional config file, overlays the environment and validates the result.
// An explicit file that cannot be read is an error; a missing default file is not.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the orchestrator cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is invalid", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required for the sqlite driver")
	}
	if c.Simulation.Order != "list" && c.Simulation.Order != "topological" {
		return fmt.Errorf("simulation.order %q is invalid", c.Simulation.Order)
	}
	switch c.Simulation.Dispatcher {
	case "mock":
	case "http":
		if c.Simulation.Endpoint == "" {
			return errors.New("simulation.endpoint is required for the http dispatcher")
		}
	default:
		return fmt.Errorf("simulation.dispatcher %q is invalid", c.Simulation.Dispatcher)
	}
	if c.Simulation.StepDelay < 0 {
		return errors.New("simulation.step_delay must not be negative")
	}
	if c.Governance.CostCeiling < 0 {
		return errors.New("governance.cost_ceiling must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses log.level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q is invalid", c.Log.Level)
	}
	return level, nil
}
