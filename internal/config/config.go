// Package config defines the service configuration and the contract for
// loading it.
package config

import (
	"fmt"
	"time"
)

// Config represents the top-level configuration.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Upload      UploadConfig      `yaml:"upload"`
	Relay       RelayConfig       `yaml:"relay"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// PostgresConfig configures the task store connection.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the connection string understood by pgxpool.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode)
}

// KafkaConfig configures the command ingress and event egress topics.
type KafkaConfig struct {
	Brokers            []string      `yaml:"brokers"`
	CommandTopic       string        `yaml:"command_topic"`
	LifecycleTopic     string        `yaml:"lifecycle_topic"`
	AnonymizationTopic string        `yaml:"anonymization_topic"`
	DeadLetterTopic    string        `yaml:"dead_letter_topic"`
	GroupID            string        `yaml:"group_id"`
	ClientID           string        `yaml:"client_id"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
}

// ObjectStoreConfig configures the image payload store.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// UploadConfig bounds the direct upload ingress.
type UploadConfig struct {
	// RequestsPerSecond caps accepted uploads; bursts above it queue on the
	// limiter rather than hitting object storage all at once.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// MaxBodyBytes rejects payloads larger than this before storage.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// RelayConfig paces the outbox relay.
type RelayConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// TelemetryConfig configures trace export and the metrics endpoint.
type TelemetryConfig struct {
	ExporterEndpoint    string  `yaml:"exporter_endpoint"`
	InsecureExporter    bool    `yaml:"insecure_exporter"`
	SamplingProbability float64 `yaml:"sampling_probability"`
	MetricsPort         string  `yaml:"metrics_port"`
}
