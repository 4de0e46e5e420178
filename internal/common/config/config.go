// Package config provides configuration management for the coordinator
// and the runner, loading from environment variables, a config file, and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Events      EventsConfig      `mapstructure:"events"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Placeholder PlaceholderConfig `mapstructure:"placeholder"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DatabaseConfig holds persistent-store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-process bus instead of a NATS connection.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus subject-namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// AuthConfig holds bearer-token authentication configuration.
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	APIKey   string `mapstructure:"apiKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RunnerConfig holds runner-registry thresholds and coordinator-owned
// blueprint directory configuration.
type RunnerConfig struct {
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeatIntervalSeconds"`
	StaleAfterSeconds        int    `mapstructure:"staleAfterSeconds"` // T_stale
	RemoveAfterSeconds       int    `mapstructure:"removeAfterSeconds"` // T_remove
	AgentsDir                string `mapstructure:"agentsDir"`
	MaxPollWaitSeconds       int    `mapstructure:"maxPollWaitSeconds"`
}

// PlaceholderConfig resolves the spec's two open questions as explicit
// configuration knobs instead of silent defaults.
type PlaceholderConfig struct {
	// ExecutorSessionIDDelivery names how the native executor session
	// handle reaches a resumed run: "run_payload" or "executor_fetch".
	// Load rejects any other value. No component reads the setting: runs
	// are built and dispatched the same way under either value.
	ExecutorSessionIDDelivery string `mapstructure:"executorSessionIdDelivery"`

	// BatchWindowResets controls whether a batch-strategy callback's delay
	// window restarts each time a new sibling child completes, or stays
	// fixed from the first completion.
	BatchWindowResets bool `mapstructure:"batchWindowResets"`
}

// BroadcastConfig holds the SSE event broadcaster's tuning knobs.
type BroadcastConfig struct {
	HeartbeatIntervalSeconds int `mapstructure:"heartbeatIntervalSeconds"`
	ReplayWindowSeconds      int `mapstructure:"replayWindowSeconds"`
	SubscriberQueueSize      int `mapstructure:"subscriberQueueSize"`
}

func (b *BroadcastConfig) HeartbeatInterval() time.Duration {
	return time.Duration(b.HeartbeatIntervalSeconds) * time.Second
}

func (b *BroadcastConfig) ReplayWindow() time.Duration {
	return time.Duration(b.ReplayWindowSeconds) * time.Second
}

// SupervisorConfig configures the runner-process supervisor: where the
// coordinator lives, how this runner identifies itself for run routing,
// and the executor subprocess's shutdown grace period.
type SupervisorConfig struct {
	CoordinatorURL   string   `mapstructure:"coordinatorUrl"`
	Hostname         string   `mapstructure:"hostname"`
	ExecutorType     string   `mapstructure:"executorType"`
	ExecutorProfile  string   `mapstructure:"executorProfile"`
	ProjectDir       string   `mapstructure:"projectDir"`
	Tags             []string `mapstructure:"tags"`
	AgentsDir        string   `mapstructure:"agentsDir"`
	PollWaitSeconds  int      `mapstructure:"pollWaitSeconds"`
	StopGraceSeconds int      `mapstructure:"stopGraceSeconds"`
	MCPGatewayPort   int      `mapstructure:"mcpGatewayPort"`
}

func (s *SupervisorConfig) PollWait() time.Duration {
	return time.Duration(s.PollWaitSeconds) * time.Second
}

func (s *SupervisorConfig) StopGrace() time.Duration {
	return time.Duration(s.StopGraceSeconds) * time.Second
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (r *RunnerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalSeconds) * time.Second
}

func (r *RunnerConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterSeconds) * time.Second
}

func (r *RunnerConfig) RemoveAfter() time.Duration {
	return time.Duration(r.RemoveAfterSeconds) * time.Second
}

func (r *RunnerConfig) MaxPollWait() time.Duration {
	return time.Duration(r.MaxPollWaitSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./coordinator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coordinator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "coordinator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agent-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.apiKey", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("runner.heartbeatIntervalSeconds", 60)
	v.SetDefault("runner.staleAfterSeconds", 120)
	v.SetDefault("runner.removeAfterSeconds", 600)
	v.SetDefault("runner.agentsDir", "./agents")
	v.SetDefault("runner.maxPollWaitSeconds", 30)

	v.SetDefault("placeholder.executorSessionIdDelivery", "executor_fetch")
	v.SetDefault("placeholder.batchWindowResets", false)

	v.SetDefault("broadcast.heartbeatIntervalSeconds", 30)
	v.SetDefault("broadcast.replayWindowSeconds", 300)
	v.SetDefault("broadcast.subscriberQueueSize", 64)

	v.SetDefault("supervisor.coordinatorUrl", "http://localhost:8080")
	v.SetDefault("supervisor.executorType", "default")
	v.SetDefault("supervisor.agentsDir", "./agents")
	v.SetDefault("supervisor.pollWaitSeconds", 30)
	v.SetDefault("supervisor.stopGraceSeconds", 10)
	v.SetDefault("supervisor.mcpGatewayPort", 7070)
}

// Load reads configuration from environment variables, a config file,
// and defaults. Environment variables use the AGENT_COORDINATOR_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, adding configPath to the search path
// for config.yaml ahead of the current directory and /etc/agent-coordinator/.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENT_COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("auth.apiKey", "AGENT_ORCHESTRATOR_API_KEY")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("runner.agentsDir", "AGENT_ORCHESTRATOR_AGENTS_DIR")
	_ = v.BindEnv("logging.level", "AGENT_COORDINATOR_LOG_LEVEL")
	_ = v.BindEnv("supervisor.coordinatorUrl", "AGENT_ORCHESTRATOR_API_URL")
	_ = v.BindEnv("supervisor.agentsDir", "AGENT_ORCHESTRATOR_AGENTS_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agent-coordinator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

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

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Runner.StaleAfterSeconds <= 0 || cfg.Runner.RemoveAfterSeconds <= cfg.Runner.StaleAfterSeconds {
		errs = append(errs, "runner.removeAfterSeconds must exceed runner.staleAfterSeconds")
	}

	if cfg.Placeholder.ExecutorSessionIDDelivery != "run_payload" && cfg.Placeholder.ExecutorSessionIDDelivery != "executor_fetch" {
		errs = append(errs, "placeholder.executorSessionIdDelivery must be one of: run_payload, executor_fetch")
	}

	if cfg.Supervisor.StopGraceSeconds <= 0 {
		errs = append(errs, "supervisor.stopGraceSeconds must be positive")
	}

	if cfg.Broadcast.SubscriberQueueSize <= 0 {
		errs = append(errs, "broadcast.subscriberQueueSize must be positive")
	}
	if cfg.Broadcast.ReplayWindowSeconds <= 0 {
		errs = append(errs, "broadcast.replayWindowSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
