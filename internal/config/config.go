// Package config loads settings for the execution service and the runner
// client from a config file, CODERUN_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	// Server configuration
	ServerPort = 8088

	// Docker configuration
	ContainerPrefix = "coderun"
	WorkDir         = "/code"
	TimeoutSeconds  = 100
	MemoryLimit     = 150 * 1024 * 1024

	// Program limits
	MaxCodeSize   = 1024 * 1024
	MaxOutputSize = 1024 * 1024

	// Rate limiting
	RequestsPerMinute = 500
	RequestsBurst     = 1

	// Runner defaults
	DefaultEndpoint = "ws://localhost:8088/ws"
)

// DefaultImages maps wire language identifiers to the image their
// container runs.
var DefaultImages = map[string]string{
	"c":          "gcc:13",
	"cpp":        "gcc:13",
	"java":       "eclipse-temurin:21-jdk",
	"python":     "python:3.12-alpine",
	"javascript": "node:20-alpine",
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Logging logger.Config `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that sets them.
	TrustProxy bool `mapstructure:"trustProxy"`
}

// RunnerConfig is read by the client side.
type RunnerConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	HandshakeTimeout int    `mapstructure:"handshakeTimeout"` // seconds
}

type DockerConfig struct {
	ContainerPrefix string            `mapstructure:"containerPrefix"`
	WorkDir         string            `mapstructure:"workDir"`
	MemoryLimit     int64             `mapstructure:"memoryLimit"`
	RunTimeout      int               `mapstructure:"runTimeout"` // seconds
	Images          map[string]string `mapstructure:"images"`
}

type LimitsConfig struct {
	MaxCodeSize       int `mapstructure:"maxCodeSize"`
	MaxOutputSize     int `mapstructure:"maxOutputSize"`
	RequestsPerMinute int `mapstructure:"requestsPerMinute"`
	RequestsBurst     int `mapstructure:"requestsBurst"`
	// InputIdleMillis is how long a program that reads stdin may stay silent
	// before the service reports it as waiting for input.
	InputIdleMillis int `mapstructure:"inputIdleMillis"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (r RunnerConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(r.HandshakeTimeout) * time.Second
}

func (d DockerConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(d.RunTimeout) * time.Second
}

func (l LimitsConfig) InputIdleDuration() time.Duration {
	return time.Duration(l.InputIdleMillis) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", ServerPort)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.trustProxy", false)

	v.SetDefault("runner.endpoint", DefaultEndpoint)
	v.SetDefault("runner.handshakeTimeout", 10)

	v.SetDefault("docker.containerPrefix", ContainerPrefix)
	v.SetDefault("docker.workDir", WorkDir)
	v.SetDefault("docker.memoryLimit", MemoryLimit)
	v.SetDefault("docker.runTimeout", TimeoutSeconds)
	v.SetDefault("docker.images", DefaultImages)

	v.SetDefault("limits.maxCodeSize", MaxCodeSize)
	v.SetDefault("limits.maxOutputSize", MaxOutputSize)
	v.SetDefault("limits.requestsPerMinute", RequestsPerMinute)
	v.SetDefault("limits.requestsBurst", RequestsBurst)
	v.SetDefault("limits.inputIdleMillis", 400)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CODERUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("runner.endpoint", "CODERUN_ENDPOINT", "CODERUN_RUNNER_ENDPOINT")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderun")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coderun")
		v.AddConfigPath("/etc/coderun/")
	}
	return v
}

// Load reads configuration from path, or from coderun.yaml in the default
// search locations when path is empty. A missing default file is not an
// error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Runner.Endpoint == "" {
		errs = append(errs, "runner.endpoint is required")
	}
	if cfg.Docker.RunTimeout <= 0 {
		errs = append(errs, "docker.runTimeout must be positive")
	}
	if cfg.Limits.RequestsPerMinute <= 0 {
		errs = append(errs, "limits.requestsPerMinute must be positive")
	}
	if cfg.Limits.RequestsBurst <= 0 {
		errs = append(errs, "limits.requestsBurst must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Watch re-reads the config file at path whenever it changes and passes
// every valid result to onChange. Invalid edits are reported to onError and
// otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		return errors.New("config watch requires an explicit file path")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
