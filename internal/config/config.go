package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	IngestStream  string `envconfig:"INGEST_STREAM" default:"ingest"`
	DefaultStream string `envconfig:"DEFAULT_STREAM" default:"default"`
	ConsumerGroup string `envconfig:"CONSUMER_GROUP" default:"pagedex"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"pagedex-documents"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`

	// EmbedRequestsPerMinute throttles outbound embedding calls below the
	// provider's per-minute quota.
	EmbedRequestsPerMinute int `envconfig:"EMBED_RPM" default:"300"`
	EmbedBatchSize         int `envconfig:"EMBED_BATCH_SIZE" default:"64"`

	ChunkTokens  int `envconfig:"CHUNK_TOKENS" default:"200"`
	ChunkOverlap int `envconfig:"CHUNK_OVERLAP" default:"20"`

	// Native text layer heuristic: a page counts as native when its text
	// layer has at least MinPageChars characters; the document skips OCR
	// when at least NativeFraction of its pages are native.
	MinPageChars   int     `envconfig:"MIN_PAGE_CHARS" default:"32"`
	NativeFraction float64 `envconfig:"NATIVE_FRACTION" default:"0.8"`
	OCRLanguage    string  `envconfig:"OCR_LANGUAGE" default:"eng"`

	// Concurrency governs how many documents one worker processes at once.
	Concurrency     int           `envconfig:"CONCURRENCY" default:"4"`
	DocumentTimeout time.Duration `envconfig:"DOCUMENT_TIMEOUT" default:"5m"`
	MaxDeliveries   int           `envconfig:"MAX_DELIVERIES" default:"3"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("PAGEDEX", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}
