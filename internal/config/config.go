package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/kiln/internal/catalog"
	"github.com/michaelbrown/kiln/internal/sandbox"
)

type ExecutorConfig struct {
	MaxCalls       int           `mapstructure:"max_calls"`
	MinTimeout     time.Duration `mapstructure:"min_timeout"`
	PerCallTimeout time.Duration `mapstructure:"per_call_timeout"`
	Modules        []string      `mapstructure:"modules"`
}

type DispatchConfig struct {
	ValidateArguments bool          `mapstructure:"validate_arguments"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	ProbeConcurrency  int           `mapstructure:"probe_concurrency"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	CloseGrace        time.Duration `mapstructure:"close_grace"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type StorageConfig struct {
	DBPath  string `mapstructure:"db_path"`
	Enabled bool   `mapstructure:"enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // "grpc" or "http"
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Servers       []catalog.ServerConfig `mapstructure:"servers"`
	Executor      ExecutorConfig         `mapstructure:"executor"`
	Dispatch      DispatchConfig         `mapstructure:"dispatch"`
	Server        ServerConfig           `mapstructure:"server"`
	Storage       StorageConfig          `mapstructure:"storage"`
	Log           LogConfig              `mapstructure:"log"`
	Observability ObservabilityConfig    `mapstructure:"observability"`
}

// Load reads configuration from path, or from kiln.yaml in the current
// directory or $HOME/.kiln when path is empty. A missing default config
// file is not an error. KILN_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kiln")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.kiln")
	}

	setDefaults(v)
	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	enableServersByDefault(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := sandbox.DefaultPolicy()
	v.SetDefault("executor.max_calls", policy.MaxCalls)
	v.SetDefault("executor.min_timeout", policy.MinTimeout)
	v.SetDefault("executor.per_call_timeout", policy.PerCallTimeout)
	v.SetDefault("executor.modules", policy.Modules)

	v.SetDefault("dispatch.validate_arguments", false)
	v.SetDefault("dispatch.probe_timeout", 30*time.Second)
	v.SetDefault("dispatch.probe_concurrency", 4)
	v.SetDefault("dispatch.call_timeout", 0)
	v.SetDefault("dispatch.close_grace", 2*time.Second)

	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".kiln", "kiln.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.protocol", "grpc")
	v.SetDefault("observability.tracing.sample_rate", 1.0)
	v.SetDefault("observability.tracing.service_name", "kiln")
}

// enableServersByDefault marks server entries without an explicit
// "enabled" key as enabled.
func enableServersByDefault(v *viper.Viper) {
	raw, ok := v.Get("servers").([]any)
	if !ok {
		return
	}
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			if _, set := m["enabled"]; !set {
				m["enabled"] = true
			}
		}
	}
	v.Set("servers", raw)
}

// Validate reports configuration errors that would otherwise surface at
// run time.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("servers[%d]: id is required", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.Enabled && s.Command == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: command is required", i))
		}
	}

	if c.Executor.MaxCalls <= 0 {
		errs = append(errs, errors.New("executor.max_calls must be positive"))
	}
	if c.Executor.MinTimeout <= 0 {
		errs = append(errs, errors.New("executor.min_timeout must be positive"))
	}
	if c.Executor.PerCallTimeout <= 0 {
		errs = append(errs, errors.New("executor.per_call_timeout must be positive"))
	}
	policy := c.Policy()
	for _, m := range c.Executor.Modules {
		if !policy.IsModuleAllowed(m) {
			errs = append(errs, fmt.Errorf("executor.modules: unknown module %q", m))
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// Policy returns the sandbox limits described by the executor section.
func (c *Config) Policy() sandbox.Policy {
	return sandbox.Policy{
		MaxCalls:       c.Executor.MaxCalls,
		MinTimeout:     c.Executor.MinTimeout,
		PerCallTimeout: c.Executor.PerCallTimeout,
		Modules:        c.Executor.Modules,
	}
}

// EnabledServers returns the servers that should be probed, in order.
func (c *Config) EnabledServers() []catalog.ServerConfig {
	out := make([]catalog.ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
