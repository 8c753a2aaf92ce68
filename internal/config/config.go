// Package config provides configuration management for the session runtime.
// It supports loading from environment variables, a config file, and
// in-code defaults, the way the teacher's internal/common/config does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section used by this module.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Session    SessionConfig    `mapstructure:"session"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the REST/WebSocket gateway's listen configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig selects and configures the persistence adapter's backing store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | pgx
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig configures the host/registry's global event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty => in-memory fallback
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig configures the Docker-backed Environment Primitive.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	RunnerImage    string `mapstructure:"runnerImage"`
}

// SessionConfig tunes the coordinator's lifecycle and persistence timing.
type SessionConfig struct {
	SyncIntervalSeconds   int `mapstructure:"syncIntervalSeconds"`
	HealthIntervalSeconds int `mapstructure:"healthIntervalSeconds"`
	ShutdownDrainSeconds  int `mapstructure:"shutdownDrainSeconds"`
	PersistenceQueueDepth int `mapstructure:"persistenceQueueDepth"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (s SessionConfig) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalSeconds) * time.Second
}

func (s SessionConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalSeconds) * time.Second
}

func (s SessionConfig) ShutdownDrainTimeout() time.Duration {
	return time.Duration(s.ShutdownDrainSeconds) * time.Second
}

// Load reads configuration from (in increasing precedence) defaults, an
// optional config file, and environment variables prefixed AGENTSESSION_.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentsession.db")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("nats.maxReconnects", 5)

	v.SetDefault("docker.defaultNetwork", "bridge")
	v.SetDefault("docker.volumeBasePath", "/var/lib/agentsession/sessions")
	v.SetDefault("docker.runnerImage", "agentsession/runner:latest")

	v.SetDefault("session.syncIntervalSeconds", 60)
	v.SetDefault("session.healthIntervalSeconds", 30)
	v.SetDefault("session.shutdownDrainSeconds", 10)
	v.SetDefault("session.persistenceQueueDepth", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
}
