package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the metering engine.
type Config struct {
	HTTPPort     string
	ServiceToken []byte // shared secret for inbound service tokens
	Database     DatabaseConfig
	Redis        RedisConfig
	Metering     MeteringConfig
	Stripe       StripeConfig
	Audit        AuditConfig
}

// DatabaseConfig holds the team/subscription store connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PlanCacheSize   int
	PlanCacheTTL    time.Duration
}

// RedisConfig holds coordination store connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MeteringConfig holds buffering, flushing and sweep settings
type MeteringConfig struct {
	Namespace      string        // key prefix in the coordination store
	FlushThreshold int64         // default accumulated amount that forces a flush
	SyncInterval   time.Duration // max age of buffered usage before a time-based flush
	LockTTL        time.Duration // lease on the per-customer report lock
	CounterTTL     time.Duration // self-cleanup TTL on usage counters and timestamps
	RetryAttempts  int           // provider call attempts before giving up
	BackoffMin     time.Duration // lower bound of the per-attempt backoff unit
	BackoffMax     time.Duration // upper bound of the per-attempt backoff unit
	SweepInterval  time.Duration // how often the recovery sweep runs
	SweepLockTTL   time.Duration // lease on the fleet-wide sweep lock
}

// StripeConfig holds metered-billing provider settings
type StripeConfig struct {
	SecretKey string
}

// AuditConfig holds configuration for the S3-based report audit sink
type AuditConfig struct {
	Enabled       bool
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	PodName       string
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

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		HTTPPort:     getEnvString("HTTP_PORT", "8080"),
		ServiceToken: []byte(getEnvString("SERVICE_TOKEN_SECRET", "")),
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			PlanCacheSize:   getEnvInt("PLAN_CACHE_SIZE", 1000),
			PlanCacheTTL:    getEnvDuration("PLAN_CACHE_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Metering: MeteringConfig{
			Namespace:      getEnvString("METERING_NAMESPACE", "usage"),
			FlushThreshold: getEnvInt64("METERING_FLUSH_THRESHOLD", 100),
			SyncInterval:   getEnvDuration("METERING_SYNC_INTERVAL", 5*time.Minute),
			LockTTL:        getEnvDuration("METERING_LOCK_TTL", 30*time.Second),
			CounterTTL:     getEnvDuration("METERING_COUNTER_TTL", 60*24*time.Hour),
			RetryAttempts:  getEnvInt("METERING_RETRY_ATTEMPTS", 3),
			BackoffMin:     getEnvDuration("METERING_BACKOFF_MIN", 1*time.Second),
			BackoffMax:     getEnvDuration("METERING_BACKOFF_MAX", 3*time.Second),
			SweepInterval:  getEnvDuration("METERING_SWEEP_INTERVAL", 10*time.Minute),
			SweepLockTTL:   getEnvDuration("METERING_SWEEP_LOCK_TTL", 5*time.Minute),
		},
		Stripe: StripeConfig{
			SecretKey: getEnvString("STRIPE_SECRET_KEY", ""),
		},
		Audit: AuditConfig{
			Enabled:       getEnvString("AUDIT_SINK_ENABLED", "false") == "true",
			BufferSize:    getEnvInt("AUDIT_SINK_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("AUDIT_SINK_FLUSH_SIZE", 500),
			FlushInterval: getEnvDuration("AUDIT_SINK_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("AUDIT_SINK_S3_BUCKET", ""),
			S3Region:      getEnvString("AUDIT_SINK_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("AUDIT_SINK_S3_PREFIX", "billing-audit/"),
			PodName:       getEnvString("POD_NAME", "meterd-0"),
		},
	}

	return cfg, nil
}
