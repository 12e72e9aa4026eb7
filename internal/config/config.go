package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port           int               `json:"port"`
	AllowedOrigins []string          `json:"allowed_origins"`
	JWTSecret      string            `json:"jwt_secret"`
	LogConfig      logger.LogConfig  `json:"log_config"`
	Database       DatabaseConfig    `json:"database"`
	Pipeline       PipelineConfig    `json:"pipeline"`
	Embedding      EmbeddingConfig   `json:"embedding"`
	RateLimit      RateLimitConfig   `json:"rate_limit"`
	Retry          RetryConfig       `json:"retry"`
	Sources        SourcesConfig     `json:"sources"`
	FileStore      FileStoreConfig   `json:"file_store"`
	VectorStore    VectorStoreConfig `json:"vector_store"`
	Telemetry      TelemetryConfig   `json:"telemetry"`
	Scheduler      SchedulerConfig   `json:"scheduler"`
}

type DatabaseConfig struct {
	DSN         string `json:"dsn"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	Password    string `json:"password"`
	DBName      string `json:"db_name"`
	SSLMode     string `json:"ssl_mode"`
	PoolSize    int    `json:"pool_size"`
	MaxOverflow int    `json:"max_overflow"`
}

type PipelineConfig struct {
	MaxWorkers          int     `json:"max_workers"`
	StageTimeoutSeconds int     `json:"stage_timeout_seconds"`
	MinContentLength    int     `json:"min_content_length"`
	ChunkSize           int     `json:"chunk_size"`
	ChunkOverlap        int     `json:"chunk_overlap"`
	MinChunkTokens      int     `json:"min_chunk_tokens"`
	ChunkStrategy       string  `json:"chunk_strategy"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	TokenizerModel      string  `json:"tokenizer_model"`
}

type EmbeddingConfig struct {
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	APIKey         string      `json:"api_key"`
	BaseURL        string      `json:"base_url"`
	BatchSize      int         `json:"batch_size"`
	MaxWorkers     int         `json:"max_workers"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	UnitCostPer1K  float64     `json:"unit_cost_per_1k_tokens"`
	CacheSize      int         `json:"cache_size"`
	CacheTTLSecs   int         `json:"cache_ttl_seconds"`
}

// Rate limit values are seconds between successive requests per key.
type RateLimitConfig struct {
	SECEdgar  float64 `json:"sec_edgar"`
	URLScrape float64 `json:"url_scrape"`
	APIFetch  float64 `json:"api_fetch"`
	Embedding float64 `json:"embedding"`
}

type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialDelayMS int     `json:"initial_delay_ms"`
	Multiplier     float64 `json:"multiplier"`
	MaxDelayMS     int     `json:"max_delay_ms"`
	Jitter         float64 `json:"jitter"`
}

type SourcesConfig struct {
	SECEdgar  SECEdgarConfig  `json:"sec_edgar"`
	URLScrape URLScrapeConfig `json:"url_scrape"`
	APIFetch  APIFetchConfig  `json:"api_fetch"`
	DBQuery   DBQueryConfig   `json:"database_query"`
	Upload    UploadConfig    `json:"file_upload"`
}

type SECEdgarConfig struct {
	UserAgent      string `json:"user_agent"`
	MaxFilingSize  int64  `json:"max_filing_size"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type URLScrapeConfig struct {
	UserAgent      string `json:"user_agent"`
	RespectRobots  *bool  `json:"respect_robots"`
	MaxBodySize    int64  `json:"max_body_size"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type APIFetchConfig struct {
	TimeoutSeconds int  `json:"timeout_seconds"`
	VerifySSL      *bool `json:"verify_ssl"`
}

type DBQueryConfig struct {
	ReadOnly       *bool `json:"read_only"`
	TimeoutSeconds int   `json:"timeout_seconds"`
	MaxRows        int   `json:"max_rows"`
}

type UploadConfig struct {
	MaxFileSize int64 `json:"max_file_size"`
}

type FileStoreConfig struct {
	Type string        `json:"type"`
	Dir  string        `json:"dir"`
	S3   S3StoreConfig `json:"s3"`
}

type S3StoreConfig struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	Prefix    string `json:"prefix"`
	UseSSL    bool   `json:"use_ssl"`
}

type VectorStoreConfig struct {
	Backend        string `json:"backend"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	BatchSize      int    `json:"batch_size"`
	Table          string `json:"table"`
	Dimension      int    `json:"dimension"`
}

type TelemetryConfig struct {
	Endpoint       string `json:"endpoint"`
	QueueSize      int    `json:"queue_size"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type SchedulerConfig struct {
	Enabled       bool             `json:"enabled"`
	RetentionDays int              `json:"retention_days"`
	RetentionSpec string           `json:"retention_spec"`
	Entries       []ScheduledEntry `json:"entries"`
}

type ScheduledEntry struct {
	Name     string                 `json:"name"`
	Spec     string                 `json:"spec"`
	Source   string                 `json:"source"`
	TenantID string                 `json:"tenant_id"`
	Params   map[string]interface{} `json:"params"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Port == 0 {
		c.Port = 8002
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.Database.DSN == "" && c.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = 10
	}
	if c.Database.MaxOverflow == 0 {
		c.Database.MaxOverflow = 20
	}
	if c.Pipeline.MaxWorkers == 0 {
		c.Pipeline.MaxWorkers = 4
	}
	if c.Pipeline.StageTimeoutSeconds == 0 {
		c.Pipeline.StageTimeoutSeconds = 600
	}
	if c.Pipeline.MinContentLength == 0 {
		c.Pipeline.MinContentLength = 10
	}
	if c.Pipeline.ChunkSize == 0 {
		c.Pipeline.ChunkSize = 500
	}
	if c.Pipeline.ChunkOverlap == 0 {
		c.Pipeline.ChunkOverlap = 50
	}
	if c.Pipeline.MinChunkTokens == 0 {
		c.Pipeline.MinChunkTokens = 50
	}
	if c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		return fmt.Errorf("pipeline.chunk_overlap (%d) must be less than chunk_size (%d)",
			c.Pipeline.ChunkOverlap, c.Pipeline.ChunkSize)
	}
	if c.Pipeline.ChunkStrategy == "" {
		c.Pipeline.ChunkStrategy = "hybrid"
	}
	switch c.Pipeline.ChunkStrategy {
	case "token", "semantic", "hybrid":
	default:
		return fmt.Errorf("pipeline.chunk_strategy must be token, semantic or hybrid")
	}
	if c.Pipeline.SimilarityThreshold == 0 {
		c.Pipeline.SimilarityThreshold = 0.5
	}
	if c.Pipeline.TokenizerModel == "" {
		c.Pipeline.TokenizerModel = "text-embedding-3-small"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 100
	}
	if c.Embedding.MaxWorkers == 0 {
		c.Embedding.MaxWorkers = 4
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 60
	}
	if c.Embedding.UnitCostPer1K == 0 {
		c.Embedding.UnitCostPer1K = 0.00002
	}
	if c.RateLimit.SECEdgar == 0 {
		c.RateLimit.SECEdgar = 0.1
	}
	if c.RateLimit.URLScrape == 0 {
		c.RateLimit.URLScrape = 1.0
	}
	if c.RateLimit.APIFetch == 0 {
		c.RateLimit.APIFetch = 0.5
	}
	if c.RateLimit.Embedding == 0 {
		c.RateLimit.Embedding = 0.02
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelayMS == 0 {
		c.Retry.InitialDelayMS = 1000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.MaxDelayMS == 0 {
		c.Retry.MaxDelayMS = 30000
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.1
	}
	if c.Sources.SECEdgar.MaxFilingSize == 0 {
		c.Sources.SECEdgar.MaxFilingSize = 50 * 1024 * 1024
	}
	if c.Sources.SECEdgar.TimeoutSeconds == 0 {
		c.Sources.SECEdgar.TimeoutSeconds = 30
	}
	if c.Sources.URLScrape.UserAgent == "" {
		c.Sources.URLScrape.UserAgent = "RakeBot/1.0"
	}
	if c.Sources.URLScrape.MaxBodySize == 0 {
		c.Sources.URLScrape.MaxBodySize = 10 * 1024 * 1024
	}
	if c.Sources.URLScrape.TimeoutSeconds == 0 {
		c.Sources.URLScrape.TimeoutSeconds = 30
	}
	if c.Sources.APIFetch.TimeoutSeconds == 0 {
		c.Sources.APIFetch.TimeoutSeconds = 30
	}
	if c.Sources.DBQuery.TimeoutSeconds == 0 {
		c.Sources.DBQuery.TimeoutSeconds = 30
	}
	if c.Sources.DBQuery.MaxRows == 0 {
		c.Sources.DBQuery.MaxRows = 1000
	}
	if c.Sources.Upload.MaxFileSize == 0 {
		c.Sources.Upload.MaxFileSize = 100 * 1024 * 1024
	}
	if c.FileStore.Type == "" {
		c.FileStore.Type = "local"
	}
	switch c.FileStore.Type {
	case "local":
		if c.FileStore.Dir == "" {
			c.FileStore.Dir = "."
		}
	case "s3":
		if c.FileStore.S3.Bucket == "" || c.FileStore.S3.SecretID == "" || c.FileStore.S3.SecretKey == "" {
			return fmt.Errorf("file_store.s3 bucket/secret_id/secret_key are required for s3 store")
		}
	default:
		return fmt.Errorf("file_store.type must be local or s3")
	}
	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = "http"
	}
	switch c.VectorStore.Backend {
	case "http":
		if c.VectorStore.BaseURL == "" {
			c.VectorStore.BaseURL = "http://localhost:8001"
		}
	case "pgvector":
		if c.VectorStore.Table == "" {
			c.VectorStore.Table = "rake_embeddings"
		}
		if c.VectorStore.Dimension == 0 {
			c.VectorStore.Dimension = 1536
		}
	default:
		return fmt.Errorf("vector_store.backend must be http or pgvector")
	}
	if c.VectorStore.TimeoutSeconds == 0 {
		c.VectorStore.TimeoutSeconds = 30
	}
	if c.VectorStore.BatchSize == 0 {
		c.VectorStore.BatchSize = 100
	}
	if c.Telemetry.QueueSize == 0 {
		c.Telemetry.QueueSize = 1024
	}
	if c.Telemetry.TimeoutSeconds == 0 {
		c.Telemetry.TimeoutSeconds = 5
	}
	if c.Scheduler.RetentionSpec == "" {
		c.Scheduler.RetentionSpec = "0 3 * * *"
	}
	return nil
}
