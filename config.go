package esbind

import (
	"time"
)

// Config consolidates settings for the search engine, the relational store and sync behaviour
type Config struct {
	Elasticsearch ElasticsearchConfig `json:"elasticsearch" yaml:"elasticsearch"`
	Database      DatabaseConfig      `json:"database" yaml:"database"`
	Sync          SyncConfig          `json:"sync" yaml:"sync"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
}

// ElasticsearchConfig holds connection settings. They are passed through to the client untouched.
type ElasticsearchConfig struct {
	Addresses          []string      `json:"addresses" yaml:"addresses"`
	Username           string        `json:"username" yaml:"username"`
	Password           string        `json:"password" yaml:"password"`
	APIKey             string        `json:"apiKey" yaml:"apiKey"`
	CloudID            string        `json:"cloudId" yaml:"cloudId"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	InsecureSkipVerify bool          `json:"insecureSkipVerify" yaml:"insecureSkipVerify"`

	// Circuit breaker around search engine calls
	BreakerThreshold    int           `json:"breakerThreshold" yaml:"breakerThreshold"`
	BreakerWindow       time.Duration `json:"breakerWindow" yaml:"breakerWindow"`
	BreakerOpenDuration time.Duration `json:"breakerOpenDuration" yaml:"breakerOpenDuration"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Database        string        `json:"database" yaml:"database"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	SSLMode         string        `json:"sslMode" yaml:"sslMode"`
	MaxConnections  int           `json:"maxConnections" yaml:"maxConnections"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `json:"connMaxIdleTime" yaml:"connMaxIdleTime"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	// UseIAM generates a DSQL/RDS IAM auth token instead of using Password.
	UseIAM bool   `json:"useIAM" yaml:"useIAM"`
	Region string `json:"region" yaml:"region"`
}

// SyncConfig controls chunking, write visibility and search paging
type SyncConfig struct {
	ChunkSize    int `json:"chunkSize" yaml:"chunkSize"`
	MaxChunkSize int `json:"maxChunkSize" yaml:"maxChunkSize"`
	// Refresh is passed as the refresh parameter on live single-document writes
	// ("", "true", "false" or "wait_for").
	Refresh      string `json:"refresh" yaml:"refresh"`
	KeepOldIndex bool   `json:"keepOldIndex" yaml:"keepOldIndex"`
	// SearchSize is the number of ids a search returns when the request names no size.
	SearchSize int `json:"searchSize" yaml:"searchSize"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Listen    string `json:"listen" yaml:"listen"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Elasticsearch: ElasticsearchConfig{
			Addresses:           []string{"http://localhost:9200"},
			Timeout:             30 * time.Second,
			BreakerThreshold:    5,
			BreakerWindow:       30 * time.Second,
			BreakerOpenDuration: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxConnections:  10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Timeout:         30 * time.Second,
		},
		Sync: SyncConfig{
			ChunkSize:    1000,
			MaxChunkSize: 10000,
			SearchSize:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "esbind",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Elasticsearch.Addresses) == 0 && c.Elasticsearch.CloudID == "" {
		return &ConfigError{Field: "elasticsearch.addresses", Message: "at least one address or a cloud id is required"}
	}

	if c.Elasticsearch.BreakerThreshold < 0 {
		return &ConfigError{Field: "elasticsearch.breakerThreshold", Message: "must not be negative"}
	}

	if c.Sync.ChunkSize <= 0 {
		return &ConfigError{Field: "sync.chunkSize", Message: "must be greater than 0"}
	}

	if c.Sync.MaxChunkSize < c.Sync.ChunkSize {
		return &ConfigError{Field: "sync.maxChunkSize", Message: "must be greater than or equal to chunkSize"}
	}

	if c.Sync.SearchSize <= 0 {
		return &ConfigError{Field: "sync.searchSize", Message: "must be greater than 0"}
	}

	switch c.Sync.Refresh {
	case "", "true", "false", "wait_for":
	default:
		return &ConfigError{Field: "sync.refresh", Message: "must be one of true, false, wait_for"}
	}

	if c.Database.MaxConnections <= 0 {
		return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
