// Package fileloader loads service configuration from a YAML file, with
// environment overrides for the values that differ per deployment.
package fileloader

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saludtech/data-retrieval/internal/config"
)

// FileLoader loads configuration from a file on disk. It implements the Loader
// interface to provide file-based configuration management.
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file specified in FileLoader.path,
// then applies environment overrides. It returns the parsed configuration or
// an error if reading or parsing fails.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

// overrideFromEnv lets deployment-specific values (addresses, credentials)
// come from the environment without editing the config file.
func overrideFromEnv(cfg *config.Config) {
	setString(&cfg.API.Host, "API_HOST")
	setString(&cfg.API.Port, "API_PORT")

	setString(&cfg.Postgres.Host, "POSTGRES_HOST")
	setString(&cfg.Postgres.Port, "POSTGRES_PORT")
	setString(&cfg.Postgres.User, "POSTGRES_USER")
	setString(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setString(&cfg.Postgres.Database, "POSTGRES_DB")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	setString(&cfg.ObjectStore.Endpoint, "MINIO_ENDPOINT")
	setString(&cfg.ObjectStore.AccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.ObjectStore.SecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.ObjectStore.Bucket, "MINIO_BUCKET")

	setString(&cfg.Telemetry.ExporterEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
