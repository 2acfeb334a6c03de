package config

import (
	"fmt"
	"strings"
	"time"

	internal "github.com/nzcbass/refsession/rse"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Template TemplateConfig `mapstructure:"template"`
	Polish   PolishConfig   `mapstructure:"polish"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig stores HTTP transport settings.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig stores the embedded libsql connection details.
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`            // Path to the .db file
	InMemory       bool   `mapstructure:"in_memory"`       // Use the in-memory driver instead of libsql
	JournalMode    string `mapstructure:"journal_mode"`    // WAL, DELETE, ...
	SyncMode       string `mapstructure:"sync_mode"`       // NORMAL, FULL, OFF
	BusyTimeoutMs  int    `mapstructure:"busy_timeout_ms"` // SQLite busy handler timeout
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	ConnMaxIdleSec int    `mapstructure:"conn_max_idle_sec"`
	ConnMaxLifeSec int    `mapstructure:"conn_max_life_sec"`
}

// TemplateConfig stores question-template registry settings.
type TemplateConfig struct {
	Dir   string `mapstructure:"dir"`   // Directory of *.json template files
	Watch bool   `mapstructure:"watch"` // Hot-reload templates on file change
}

// PolishConfig stores settings for the external answer-polishing service.
// Polishing is best-effort and asynchronous; disabling it only leaves the
// polished display field empty.
type PolishConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"` // OpenAI-compatible endpoint
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"` // Max in-flight polish calls
}

// LoggingConfig stores zerolog settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // Console writer instead of JSON
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Server defaults
	viper.SetDefault("server.listen_addr", internal.DefaultListenAddr)
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "15s")

	// Database defaults (embedded libsql)
	viper.SetDefault("database.path", internal.DefaultDatabasePath)
	viper.SetDefault("database.in_memory", false)
	viper.SetDefault("database.journal_mode", "WAL")
	viper.SetDefault("database.sync_mode", "NORMAL")
	viper.SetDefault("database.busy_timeout_ms", 5000)
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 25)
	viper.SetDefault("database.conn_max_idle_sec", 300)
	viper.SetDefault("database.conn_max_life_sec", 3600)

	// Template defaults
	viper.SetDefault("template.dir", internal.DefaultTemplateDir)
	viper.SetDefault("template.watch", false)

	// Polish defaults (disabled until an endpoint is configured)
	viper.SetDefault("polish.enabled", false)
	viper.SetDefault("polish.base_url", "")
	viper.SetDefault("polish.api_key", "")
	viper.SetDefault("polish.model", "gpt-4o-mini")
	viper.SetDefault("polish.timeout", "20s")
	viper.SetDefault("polish.concurrency", 4)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.pretty", false)

	viper.AutomaticEnv()
	// e.g. database.busy_timeout_ms becomes DATABASE_BUSY_TIMEOUT_MS
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
