// Package config loads conductor configuration from defaults, a YAML file and
// CONDUCTOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections.
type Config struct {
	Server     ServerConfig           `mapstructure:"server"`
	Database   DatabaseConfig         `mapstructure:"database"`
	Bus        BusConfig              `mapstructure:"bus"`
	Queue      QueueConfig            `mapstructure:"queue"`
	Guards     GuardsConfig           `mapstructure:"guards"`
	Heartbeat  HeartbeatConfig        `mapstructure:"heartbeat"`
	Process    ProcessConfig          `mapstructure:"process"`
	Events     EventsConfig           `mapstructure:"events"`
	Logging    LoggingConfig          `mapstructure:"logging"`
	Tracing    TracingConfig          `mapstructure:"tracing"`
	Agents     map[string]AgentConfig `mapstructure:"agents"`
	AgentsFile string                 `mapstructure:"agentsFile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds, 0 keeps streams open
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // sqlite, postgres
	Path           string `mapstructure:"path"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	DBName         string `mapstructure:"dbName"`
	SSLMode        string `mapstructure:"sslMode"`
	MaxConns       int    `mapstructure:"maxConns"`
	MinConns       int    `mapstructure:"minConns"`
	ListenMaxConns int    `mapstructure:"listenMaxConns"`
}

// BusConfig selects the messaging bus transport.
type BusConfig struct {
	Driver        string     `mapstructure:"driver"` // postgres, nats, memory
	ChannelPrefix string     `mapstructure:"channelPrefix"`
	NATS          NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig controls the durable job queue worker pool.
type QueueConfig struct {
	Workers        int `mapstructure:"workers"`
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	DrainTimeoutMs int `mapstructure:"drainTimeoutMs"`
	MaxAttempts    int `mapstructure:"maxAttempts"`
	RetryDelayMs   int `mapstructure:"retryDelayMs"`
}

// GuardsConfig holds the safety limits applied before work is admitted.
type GuardsConfig struct {
	MaxSpawnDepth         int `mapstructure:"maxSpawnDepth"`
	MaxConcurrentPerAgent int `mapstructure:"maxConcurrentPerAgent"`
	RateLimit             int `mapstructure:"rateLimit"`
	RateWindowMs          int `mapstructure:"rateWindowMs"`
}

// HeartbeatConfig controls heartbeats and the stale reaper.
type HeartbeatConfig struct {
	IntervalMs       int `mapstructure:"intervalMs"`
	StaleThresholdMs int `mapstructure:"staleThresholdMs"`
	ReapIntervalMs   int `mapstructure:"reapIntervalMs"`
}

// ProcessConfig controls process lifecycle.
type ProcessConfig struct {
	TerminateGraceMs int      `mapstructure:"terminateGraceMs"`
	InterruptGraceMs int      `mapstructure:"interruptGraceMs"`
	AllowedRoots     []string `mapstructure:"allowedRoots"`
	Shell            string   `mapstructure:"shell"`
}

// EventsConfig controls the durable event logs.
type EventsConfig struct {
	LogDir         string `mapstructure:"logDir"`
	PollIntervalMs int    `mapstructure:"pollIntervalMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// AgentConfig describes one runnable agent.
type AgentConfig struct {
	Provider string            `mapstructure:"provider" yaml:"provider"` // claude-code, codex, acp, template
	Binary   string            `mapstructure:"binary" yaml:"binary"`
	Args     []string          `mapstructure:"args" yaml:"args"`
	Command  string            `mapstructure:"command" yaml:"command"` // template provider only
	Model    string            `mapstructure:"model" yaml:"model"`
	Env      map[string]string `mapstructure:"env" yaml:"env"`
}

func ms(v int) time.Duration   { return time.Duration(v) * time.Millisecond }
func secs(v int) time.Duration { return time.Duration(v) * time.Second }

func (s ServerConfig) ReadTimeoutDuration() time.Duration  { return secs(s.ReadTimeout) }
func (s ServerConfig) WriteTimeoutDuration() time.Duration { return secs(s.WriteTimeout) }
func (q QueueConfig) PollInterval() time.Duration          { return ms(q.PollIntervalMs) }
func (q QueueConfig) DrainTimeout() time.Duration          { return ms(q.DrainTimeoutMs) }
func (q QueueConfig) RetryDelay() time.Duration            { return ms(q.RetryDelayMs) }
func (g GuardsConfig) RateWindow() time.Duration           { return ms(g.RateWindowMs) }
func (h HeartbeatConfig) Interval() time.Duration          { return ms(h.IntervalMs) }
func (h HeartbeatConfig) StaleThreshold() time.Duration    { return ms(h.StaleThresholdMs) }
func (h HeartbeatConfig) ReapInterval() time.Duration      { return ms(h.ReapIntervalMs) }
func (p ProcessConfig) TerminateGrace() time.Duration      { return ms(p.TerminateGraceMs) }
func (p ProcessConfig) InterruptGrace() time.Duration      { return ms(p.InterruptGraceMs) }
func (e EventsConfig) PollInterval() time.Duration         { return ms(e.PollIntervalMs) }

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONDUCTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".conductor")
	}
	return filepath.Join(os.TempDir(), "conductor")
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(dataDir, "conductor.db"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "conductor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "conductor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 20)
	v.SetDefault("database.minConns", 2)
	v.SetDefault("database.listenMaxConns", 16)

	v.SetDefault("bus.driver", "")
	v.SetDefault("bus.channelPrefix", "conductor")
	v.SetDefault("bus.nats.url", "")
	v.SetDefault("bus.nats.clientId", "conductor")
	v.SetDefault("bus.nats.maxReconnects", 10)

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.pollIntervalMs", 1000)
	v.SetDefault("queue.drainTimeoutMs", 30000)
	v.SetDefault("queue.maxAttempts", 2)
	v.SetDefault("queue.retryDelayMs", 1000)

	v.SetDefault("guards.maxSpawnDepth", 3)
	v.SetDefault("guards.maxConcurrentPerAgent", 3)
	v.SetDefault("guards.rateLimit", 10)
	v.SetDefault("guards.rateWindowMs", 60000)

	v.SetDefault("heartbeat.intervalMs", 30000)
	v.SetDefault("heartbeat.staleThresholdMs", 120000)
	v.SetDefault("heartbeat.reapIntervalMs", 30000)

	v.SetDefault("process.terminateGraceMs", 5000)
	v.SetDefault("process.interruptGraceMs", 2000)
	v.SetDefault("process.allowedRoots", []string{})
	v.SetDefault("process.shell", "/bin/sh")

	v.SetDefault("events.logDir", filepath.Join(dataDir, "logs"))
	v.SetDefault("events.pollIntervalMs", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "conductor")

	v.SetDefault("agentsFile", "")
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads config.yaml from configPath (if set), the working directory
// or /etc/conductor, then applies CONDUCTOR_* environment overrides.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "CONDUCTOR_TRACING_ENDPOINT")
	_ = v.BindEnv("database.driver", "CONDUCTOR_DATABASE_DRIVER")
	_ = v.BindEnv("bus.driver", "CONDUCTOR_BUS_DRIVER")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conductor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.AgentsFile != "" {
		if err := mergeAgentsFile(&cfg, cfg.AgentsFile); err != nil {
			return nil, err
		}
	}
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = defaultBusDriver(cfg)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// defaultBusDriver mirrors the persistence choice: NOTIFY/LISTEN needs Postgres.
func defaultBusDriver(cfg Config) string {
	switch {
	case cfg.Bus.NATS.URL != "":
		return "nats"
	case cfg.Database.Driver == "postgres":
		return "postgres"
	default:
		return "memory"
	}
}

// agentsFile is the on-disk shape of an agent catalog.
type agentsFile struct {
	Agents map[string]AgentConfig `yaml:"agents"`
}

// mergeAgentsFile overlays agent definitions from a YAML catalog.
func mergeAgentsFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agents file: %w", err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse agents file %s: %w", path, err)
	}
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]AgentConfig, len(f.Agents))
	}
	for id, a := range f.Agents {
		cfg.Agents[strings.ToLower(id)] = a
	}
	return nil
}

var validProviders = map[string]bool{"claude-code": true, "codex": true, "acp": true, "template": true}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.User == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.host, database.user and database.dbName are required for postgres")
		}
		if cfg.Database.ListenMaxConns <= 0 {
			errs = append(errs, "database.listenMaxConns must be positive")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Bus.Driver {
	case "memory", "nats":
	case "postgres":
		if cfg.Database.Driver != "postgres" {
			errs = append(errs, "bus.driver postgres requires database.driver postgres")
		}
	default:
		errs = append(errs, "bus.driver must be one of: postgres, nats, memory")
	}
	if cfg.Bus.Driver == "nats" && cfg.Bus.NATS.URL == "" {
		errs = append(errs, "bus.nats.url is required for the nats bus")
	}

	if cfg.Queue.Workers <= 0 {
		errs = append(errs, "queue.workers must be positive")
	}
	if cfg.Queue.MaxAttempts < 1 || cfg.Queue.MaxAttempts > 2 {
		errs = append(errs, "queue.maxAttempts must be 1 or 2")
	}
	if cfg.Guards.MaxSpawnDepth <= 0 || cfg.Guards.MaxConcurrentPerAgent <= 0 || cfg.Guards.RateLimit <= 0 {
		errs = append(errs, "guards limits must be positive")
	}
	if cfg.Heartbeat.IntervalMs <= 0 || cfg.Heartbeat.StaleThresholdMs <= cfg.Heartbeat.IntervalMs {
		errs = append(errs, "heartbeat.staleThresholdMs must exceed heartbeat.intervalMs")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	for id, a := range cfg.Agents {
		if !validProviders[a.Provider] {
			errs = append(errs, fmt.Sprintf("agents.%s.provider %q is not supported", id, a.Provider))
		}
		if a.Provider == "template" && a.Command == "" {
			errs = append(errs, fmt.Sprintf("agents.%s.command is required for template agents", id))
		}
		if a.Provider != "template" && a.Binary == "" {
			errs = append(errs, fmt.Sprintf("agents.%s.binary is required", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
