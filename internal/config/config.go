// Package config provides unified configuration loading for the knowledge core.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the knowledge core services.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Vector    VectorConfig    `yaml:"vector"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres or sqlite3
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection settings for the queue and cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VectorConfig holds vector store settings.
type VectorConfig struct {
	Provider string `yaml:"provider"` // pgvector
}

// EmbeddingConfig holds embedding client settings.
type EmbeddingConfig struct {
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// IngestionConfig holds ingestion pipeline settings.
type IngestionConfig struct {
	MaxChunkTokens   int      `yaml:"max_chunk_tokens"`
	ChunkOverlap     int      `yaml:"chunk_overlap"`
	StoragePath      string   `yaml:"storage_path"`
	MaxUploadSizeMB  int      `yaml:"max_upload_size_mb"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
}

// RetrievalConfig holds retrieval defaults and caching settings.
type RetrievalConfig struct {
	TopK           int           `yaml:"top_k"`
	ScoreThreshold float64       `yaml:"score_threshold"`
	CacheEnabled   bool          `yaml:"cache_enabled"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// WorkerConfig holds ingestion worker settings.
type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	QueueName   string `yaml:"queue_name"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with development defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "file:knowledge-core.db?_fk=1",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Vector: VectorConfig{
			Provider: "pgvector",
		},
		Embedding: EmbeddingConfig{
			Model:      "openai/text-embedding-3-small",
			BaseURL:    "https://openrouter.ai/api/v1",
			Dimensions: 1536,
			Timeout:    60 * time.Second,
		},
		Ingestion: IngestionConfig{
			MaxChunkTokens:  512,
			ChunkOverlap:    128,
			StoragePath:     "static/knowledge",
			MaxUploadSizeMB: 25,
			AllowedMimeTypes: []string{
				"application/pdf",
				"text/plain",
				"text/markdown",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			},
		},
		Retrieval: RetrievalConfig{
			TopK:           5,
			ScoreThreshold: 0.35,
			CacheEnabled:   true,
			CacheTTL:       60 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			QueueName:   "knowledge:ingest:queue",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3", "sqlite":
	default:
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}

	if c.Ingestion.MaxChunkTokens < 1 {
		return fmt.Errorf("max_chunk_tokens must be positive, got %d", c.Ingestion.MaxChunkTokens)
	}

	if c.Ingestion.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_overlap cannot be negative, got %d", c.Ingestion.ChunkOverlap)
	}

	if c.Ingestion.MaxUploadSizeMB < 1 {
		return fmt.Errorf("max_upload_size_mb must be positive, got %d", c.Ingestion.MaxUploadSizeMB)
	}

	if c.Retrieval.TopK < 0 {
		return fmt.Errorf("retrieval top_k cannot be negative, got %d", c.Retrieval.TopK)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}

	return nil
}

// IsDevelopment reports whether the process runs against a local stack.
func (c *Config) IsDevelopment() bool {
	return c.Database.Driver != "postgres" || !c.Auth.Enabled
}

// DriverName returns the database/sql driver name for the configured driver.
func (c *Config) DriverName() string {
	if c.Database.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Database.Driver
}

// AllowedMimeSet returns the allowed MIME types as a set. An empty set means
// every type is accepted.
func (c *Config) AllowedMimeSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Ingestion.AllowedMimeTypes))
	for _, mime := range c.Ingestion.AllowedMimeTypes {
		mime = strings.TrimSpace(mime)
		if mime != "" {
			set[mime] = struct{}{}
		}
	}
	return set
}

// MaxUploadBytes returns the upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Ingestion.MaxUploadSizeMB) * 1024 * 1024
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		switch {
		case strings.HasPrefix(v, "sqlite:"):
			cfg.Database.Driver = "sqlite3"
			cfg.Database.DSN = strings.TrimPrefix(v, "sqlite:")
		case strings.HasPrefix(v, "postgres"):
			cfg.Database.Driver = "postgres"
			cfg.Database.DSN = v
		default:
			cfg.Database.DSN = v
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("VECTOR_STORE_PROVIDER"); v != "" {
		cfg.Vector.Provider = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		if dims, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = dims
		}
	}

	if v := os.Getenv("MAX_CHUNK_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestion.MaxChunkTokens = n
		}
	}
	if v := os.Getenv("CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestion.ChunkOverlap = n
		}
	}
	if v := os.Getenv("KNOWLEDGE_STORAGE_PATH"); v != "" {
		cfg.Ingestion.StoragePath = v
	}
	if v := os.Getenv("MAX_UPLOAD_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestion.MaxUploadSizeMB = n
		}
	}
	if v := os.Getenv("KNOWLEDGE_ALLOWED_MIME_TYPES"); v != "" {
		var mimes []string
		for _, mime := range strings.Split(v, ",") {
			if mime = strings.TrimSpace(mime); mime != "" {
				mimes = append(mimes, mime)
			}
		}
		cfg.Ingestion.AllowedMimeTypes = mimes
	}

	if v := os.Getenv("RETRIEVAL_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.TopK = n
		}
	}
	if v := os.Getenv("RETRIEVAL_SCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.ScoreThreshold = f
		}
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("AUTH_ENABLED"); v == "true" {
		cfg.Auth.Enabled = true
	}
}
