package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Queue and store backends.
const (
	QueueRedis = "redis"
	QueueSQS   = "sqs"

	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
	StoreMemory   = "memory"
)

// Config holds all configuration for the server and worker binaries.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Server      ServerConfig      `yaml:"server"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Store       StoreConfig       `yaml:"store"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Reprocessor ReprocessorConfig `yaml:"reprocessor"`
	Breaker     BreakerConfig     `yaml:"circuit_breaker"`
	AWS         AWSConfig         `yaml:"aws"`
}

type ServerConfig struct {
	Port        string   `yaml:"port"`
	AdminPort   string   `yaml:"admin_port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// TrackingConfig drives the gateway: what it redirects to and how clicks
// are handed to the queue.
type TrackingConfig struct {
	AllowedDomains []string      `yaml:"allowed_domains"`
	SourcePattern  string        `yaml:"source_pattern"`
	WindowSeconds  int           `yaml:"window_seconds"`
	TTL            time.Duration `yaml:"ttl"`
	SubmitBuffer   int           `yaml:"submit_buffer"`
	SubmitWorkers  int           `yaml:"submit_workers"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	// RateLimit caps tracked clicks per client per second. 0 disables it.
	RateLimit int `yaml:"track_rate_limit"`
}

// DedupWindow returns the dedup window as a duration.
func (c TrackingConfig) DedupWindow() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// RedisConfig is shared by the Redis queue, the circuit breaker and the
// rate limiter. An empty URL disables the latter two.
type RedisConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type QueueConfig struct {
	Backend           string        `yaml:"backend"`
	Name              string        `yaml:"name"`
	DeadLetterName    string        `yaml:"dead_letter_name"`
	SQSURL            string        `yaml:"sqs_url"`
	SQSDeadLetterURL  string        `yaml:"sqs_dead_letter_url"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	ReceiveWait       time.Duration `yaml:"receive_wait"`
	MaxReceiveCount   int           `yaml:"max_receive_count"`
	BatchSize         int           `yaml:"batch_size"`
}

type StoreConfig struct {
	Backend          string        `yaml:"backend"`
	DatabaseURL      string        `yaml:"database_url"`
	MaxConns         int32         `yaml:"max_conns"`
	EventsTable      string        `yaml:"events_table"`
	EscalationsTable string        `yaml:"escalations_table"`
	PurgeInterval    time.Duration `yaml:"purge_interval"`
}

type ConsumerConfig struct {
	Workers        int           `yaml:"workers"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
}

type ReprocessorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// AWSConfig is used by the SQS queue and the DynamoDB store. Endpoint
// points the clients at a local emulator when set.
type AWSConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when neither the file nor the
// environment says otherwise.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:        "8080",
			AdminPort:   "8081",
			CORSOrigins: []string{"*"},
		},
		Tracking: TrackingConfig{
			WindowSeconds: 300,
			TTL:           8760 * time.Hour,
			SubmitBuffer:  1024,
			SubmitWorkers: 4,
			SubmitTimeout: 2 * time.Second,
		},
		Redis: RedisConfig{PoolSize: 20},
		Queue: QueueConfig{
			Backend:           QueueRedis,
			Name:              "clicks",
			DeadLetterName:    "clicks-dlq",
			VisibilityTimeout: 30 * time.Second,
			ReceiveWait:       5 * time.Second,
			MaxReceiveCount:   3,
			BatchSize:         10,
		},
		Store: StoreConfig{
			Backend:          StorePostgres,
			MaxConns:         20,
			EventsTable:      "tracking_events",
			EscalationsTable: "tracking_escalations",
			PurgeInterval:    time.Hour,
		},
		Consumer: ConsumerConfig{
			Workers:        10,
			MessageTimeout: 10 * time.Second,
		},
		Reprocessor: ReprocessorConfig{
			Interval:    time.Minute,
			MaxAttempts: 3,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		AWS: AWSConfig{Region: "us-east-1"},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and then environment variables. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.AdminPort = getEnv("ADMIN_PORT", c.Server.AdminPort)
	c.Server.CORSOrigins = getEnvList("CORS_ORIGINS", c.Server.CORSOrigins)

	c.Tracking.AllowedDomains = getEnvList("ALLOWED_DOMAINS", c.Tracking.AllowedDomains)
	c.Tracking.SourcePattern = getEnv("SOURCE_PATTERN", c.Tracking.SourcePattern)
	c.Tracking.WindowSeconds = getEnvInt("WINDOW_SECONDS", c.Tracking.WindowSeconds)
	c.Tracking.TTL = getEnvDuration("EVENT_TTL", c.Tracking.TTL)
	c.Tracking.SubmitBuffer = getEnvInt("SUBMIT_BUFFER", c.Tracking.SubmitBuffer)
	c.Tracking.SubmitWorkers = getEnvInt("SUBMIT_WORKERS", c.Tracking.SubmitWorkers)
	c.Tracking.SubmitTimeout = getEnvDuration("SUBMIT_TIMEOUT", c.Tracking.SubmitTimeout)
	c.Tracking.RateLimit = getEnvInt("TRACK_RATE_LIMIT", c.Tracking.RateLimit)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Queue.Backend = getEnv("QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.Name = getEnv("QUEUE_NAME", c.Queue.Name)
	c.Queue.DeadLetterName = getEnv("DEAD_LETTER_QUEUE_NAME", c.Queue.DeadLetterName)
	c.Queue.SQSURL = getEnv("SQS_QUEUE_URL", c.Queue.SQSURL)
	c.Queue.SQSDeadLetterURL = getEnv("SQS_DEAD_LETTER_QUEUE_URL", c.Queue.SQSDeadLetterURL)
	c.Queue.VisibilityTimeout = getEnvDuration("VISIBILITY_TIMEOUT", c.Queue.VisibilityTimeout)
	c.Queue.ReceiveWait = getEnvDuration("RECEIVE_WAIT", c.Queue.ReceiveWait)
	c.Queue.MaxReceiveCount = getEnvInt("MAX_RECEIVE_COUNT", c.Queue.MaxReceiveCount)
	c.Queue.BatchSize = getEnvInt("BATCH_SIZE", c.Queue.BatchSize)

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.MaxConns = int32(getEnvInt("DB_MAX_CONNS", int(c.Store.MaxConns)))
	c.Store.EventsTable = getEnv("DYNAMODB_EVENTS_TABLE", c.Store.EventsTable)
	c.Store.EscalationsTable = getEnv("DYNAMODB_ESCALATIONS_TABLE", c.Store.EscalationsTable)
	c.Store.PurgeInterval = getEnvDuration("PURGE_INTERVAL", c.Store.PurgeInterval)

	c.Consumer.Workers = getEnvInt("CONSUMER_WORKERS", c.Consumer.Workers)
	c.Consumer.MessageTimeout = getEnvDuration("MESSAGE_TIMEOUT", c.Consumer.MessageTimeout)

	c.Reprocessor.Interval = getEnvDuration("REPROCESS_INTERVAL", c.Reprocessor.Interval)
	c.Reprocessor.MaxAttempts = getEnvInt("REPROCESS_MAX_ATTEMPTS", c.Reprocessor.MaxAttempts)
	c.Reprocessor.BaseBackoff = getEnvDuration("REPROCESS_BASE_BACKOFF", c.Reprocessor.BaseBackoff)
	c.Reprocessor.MaxBackoff = getEnvDuration("REPROCESS_MAX_BACKOFF", c.Reprocessor.MaxBackoff)

	c.Breaker.FailureThreshold = getEnvInt("CB_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.Cooldown = getEnvDuration("CB_COOLDOWN", c.Breaker.Cooldown)

	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
	c.AWS.Endpoint = getEnv("AWS_ENDPOINT_URL", c.AWS.Endpoint)
}

// Validate checks required settings and clamps the batch size to what a
// single receive can return.
func (c *Config) Validate() error {
	if len(c.Tracking.AllowedDomains) == 0 {
		return fmt.Errorf("tracking.allowed_domains (ALLOWED_DOMAINS) is required")
	}
	if c.Tracking.WindowSeconds <= 0 {
		return fmt.Errorf("tracking.window_seconds must be positive, got %d", c.Tracking.WindowSeconds)
	}
	if c.Tracking.TTL <= 0 {
		return fmt.Errorf("tracking.ttl must be positive, got %s", c.Tracking.TTL)
	}

	if c.Queue.BatchSize < 1 {
		c.Queue.BatchSize = 1
	}
	if c.Queue.BatchSize > 10 {
		c.Queue.BatchSize = 10
	}

	switch c.Queue.Backend {
	case QueueRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis queue")
		}
	case QueueSQS:
		if c.Queue.SQSURL == "" || c.Queue.SQSDeadLetterURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL and SQS_DEAD_LETTER_QUEUE_URL are required for the sqs queue")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	switch c.Store.Backend {
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreDynamoDB:
		if c.Store.EventsTable == "" || c.Store.EscalationsTable == "" {
			return fmt.Errorf("dynamodb events and escalations tables are required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
