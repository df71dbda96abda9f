package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends for users, sponsorships and usage records
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Archive targets
const (
	ArchiveS3   = "s3"
	ArchiveFile = "file"
)

// Config holds configuration for the broker.
type Config struct {
	Backend   string
	LogLevel  string
	Database  DatabaseConfig
	Redis     RedisConfig
	Billing   BillingConfig
	Queue     QueueConfig
	Archive   ArchiveConfig
	Catalog   CatalogConfig
	Providers ProvidersConfig
	Security  SecurityConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
	// UpdateRetries bounds the optimistic retries of a locked balance update
	UpdateRetries int
}

// BillingConfig controls credit charging
type BillingConfig struct {
	CreditsEnabled bool
	MaintenanceFee float64 // added to every credited call
	CharsPerToken  int     // pre-flight input token heuristic
}

// WorkerQueueConfig configures one background queue worker
type WorkerQueueConfig struct {
	Enabled      bool
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// QueueConfig holds the usage and deduction queues
type QueueConfig struct {
	UseRedis  bool
	Usage     WorkerQueueConfig
	Deduction WorkerQueueConfig
}

// ArchiveConfig holds configuration for the usage record archive
type ArchiveConfig struct {
	Enabled       bool
	Target        string        // "s3" or "file"
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush after this many records
	FlushInterval time.Duration // Flush after this duration
	S3Bucket      string
	S3Region      string
	S3Prefix      string // Prefix for S3 keys (e.g., "usage/")
	S3Endpoint    string // S3-compatible endpoint such as MinIO
	S3AccessKey   string
	S3SecretKey   string
	S3Gzip        bool   // Compress archived batches
	PodName       string // Pod identifier for multi-pod deployments

	FilePathTemplate string
	FileMaxSize      int64
	FileMaxFiles     int
}

type CatalogConfig struct {
	Path string
}

// ProvidersConfig holds the HTTP settings of provider clients
type ProvidersConfig struct {
	OpenAIBaseURL     string
	PerplexityBaseURL string
	Timeout           time.Duration
}

type SecurityConfig struct {
	// CredentialsSecret derives the key that encrypts user API keys at rest
	CredentialsSecret string
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func workerQueue(prefix string, batchSize int, maxRetries int) WorkerQueueConfig {
	return WorkerQueueConfig{
		Enabled:      getEnvBool(prefix+"_ENABLED", false),
		BatchSize:    getEnvInt(prefix+"_BATCH_SIZE", batchSize),
		BatchTimeout: getEnvDuration(prefix+"_BATCH_TIMEOUT", 5*time.Second),
		MaxRetries:   getEnvInt(prefix+"_MAX_RETRIES", maxRetries),
		RetryBackoff: getEnvDuration(prefix+"_RETRY_BACKOFF", 1*time.Second),
	}
}

// Load reads configuration from environment variables, after loading the
// file named by ENV_FILE (default ".env") when it exists.
func Load() (*Config, error) {
	envFile := getEnvString("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Backend:  strings.ToLower(getEnvString("STORE_BACKEND", BackendPostgres)),
		LogLevel: getEnvString("LOG_LEVEL", "warn"),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:       getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:      getEnvString("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:  getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			KeyPrefix:     getEnvString("REDIS_KEY_PREFIX", "tool_broker"),
			UpdateRetries: getEnvInt("REDIS_UPDATE_RETRIES", 10),
		},
		Billing: BillingConfig{
			CreditsEnabled: getEnvBool("CREDITS_ENABLED", true),
			MaintenanceFee: getEnvFloat("MAINTENANCE_FEE", 0.01),
			CharsPerToken:  getEnvInt("CHARS_PER_TOKEN", 4),
		},
		Queue: QueueConfig{
			UseRedis:  getEnvBool("QUEUE_USE_REDIS", false),
			Usage:     workerQueue("USAGE_QUEUE", 100, 3),
			Deduction: workerQueue("DEDUCTION_QUEUE", 50, 5),
		},
		Archive: ArchiveConfig{
			Enabled:          getEnvBool("USAGE_ARCHIVE_ENABLED", false),
			Target:           strings.ToLower(getEnvString("USAGE_ARCHIVE_TARGET", ArchiveS3)),
			BufferSize:       getEnvInt("USAGE_ARCHIVE_BUFFER_SIZE", 10000),
			FlushSize:        getEnvInt("USAGE_ARCHIVE_FLUSH_SIZE", 500),
			FlushInterval:    getEnvDuration("USAGE_ARCHIVE_FLUSH_INTERVAL", time.Minute),
			S3Bucket:         getEnvString("USAGE_ARCHIVE_S3_BUCKET", ""),
			S3Region:         getEnvString("USAGE_ARCHIVE_S3_REGION", "us-east-1"),
			S3Prefix:         getEnvString("USAGE_ARCHIVE_S3_PREFIX", "usage/"),
			S3Endpoint:       getEnvString("USAGE_ARCHIVE_S3_ENDPOINT", ""),
			S3AccessKey:      getEnvString("USAGE_ARCHIVE_S3_ACCESS_KEY", ""),
			S3SecretKey:      getEnvString("USAGE_ARCHIVE_S3_SECRET_KEY", ""),
			S3Gzip:           getEnvBool("USAGE_ARCHIVE_S3_GZIP", true),
			PodName:          getEnvString("POD_NAME", "broker-0"),
			FilePathTemplate: getEnvString("USAGE_ARCHIVE_FILE_PATH_TEMPLATE", "/var/log/tool_broker/usage-%s.jsonl"),
			FileMaxSize:      getEnvInt64("USAGE_ARCHIVE_FILE_MAX_SIZE", 10_485_760), // default 10 MB
			FileMaxFiles:     getEnvInt("USAGE_ARCHIVE_FILE_MAX_FILES", 5),
		},
		Catalog: CatalogConfig{
			Path: getEnvString("CATALOG_PATH", "configs/catalog.yaml"),
		},
		Providers: ProvidersConfig{
			OpenAIBaseURL:     getEnvString("OPENAI_BASE_URL", ""),
			PerplexityBaseURL: getEnvString("PERPLEXITY_BASE_URL", ""),
			Timeout:           getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),
		},
		Security: SecurityConfig{
			CredentialsSecret: os.Getenv("CREDENTIALS_SECRET"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s backend", BackendPostgres)
		}
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Backend)
	}

	if c.Billing.MaintenanceFee < 0 {
		return fmt.Errorf("MAINTENANCE_FEE must not be negative")
	}
	if c.Billing.CharsPerToken <= 0 {
		return fmt.Errorf("CHARS_PER_TOKEN must be positive")
	}

	// Queued work outlives the process that enqueued it, so it needs Redis
	if (c.Queue.Usage.Enabled || c.Queue.Deduction.Enabled) && !c.Queue.UseRedis {
		return fmt.Errorf("USAGE_QUEUE_ENABLED and DEDUCTION_QUEUE_ENABLED require QUEUE_USE_REDIS=true")
	}

	if c.Archive.Enabled {
		switch c.Archive.Target {
		case ArchiveS3:
			if c.Archive.S3Bucket == "" {
				return fmt.Errorf("USAGE_ARCHIVE_S3_BUCKET is required for the s3 archive")
			}
		case ArchiveFile:
			if !strings.Contains(c.Archive.FilePathTemplate, "%s") {
				return fmt.Errorf("USAGE_ARCHIVE_FILE_PATH_TEMPLATE must contain %%s")
			}
		default:
			return fmt.Errorf("unknown USAGE_ARCHIVE_TARGET %q", c.Archive.Target)
		}
	}
	return nil
}
