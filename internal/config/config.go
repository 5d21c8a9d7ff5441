package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort           string
	Env                string
	CORSAllowedOrigins []string
	Log                LogConfig
	Security           SecurityConfig
	Admin              AdminConfig
	Database           DatabaseConfig
	Cache              CacheConfig
	Redis              RedisConfig
	Upstream           UpstreamConfig
	Quota              QuotaConfig
	Concurrency        ConcurrencyConfig
	Stages             StagesConfig
	Audit              AuditConfig
}

// LogConfig selects the zap preset and level.
type LogConfig struct {
	Env   string // prod, dev, local
	Level string // debug, info, warn, error; empty keeps the preset default
}

// SecurityConfig holds the credential hashing secrets.
type SecurityConfig struct {
	HashSalt      string
	KeyHashPepper string
}

// AdminConfig holds settings for the admin status endpoint.
type AdminConfig struct {
	JWTSecret []byte
	TokenTTL  time.Duration
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// CacheConfig holds cache settings
type CacheConfig struct {
	RevokedKeyCacheSize int
	RevokedKeyCacheTTL  time.Duration
	UserLimitsCacheSize int
	UserLimitsCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings. An empty Address disables Redis.
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

// UpstreamConfig holds settings for the chat-completion backend.
type UpstreamConfig struct {
	BaseURL          string
	APIKey           string
	ConnectTimeout   time.Duration // dial + TLS handshake, per attempt
	ReadTimeout      time.Duration // response headers and idle gap between body reads, per attempt
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
}

// QuotaConfig holds the daily request quota settings.
type QuotaConfig struct {
	Backend    string // postgres or redis
	DailyLimit int
	FailOpen   bool
}

// ConcurrencyConfig holds the streaming concurrency cap.
type ConcurrencyConfig struct {
	StreamCap int
	MaxHold   time.Duration
}

// StagesConfig points at the stage profile file.
type StagesConfig struct {
	Path string
}

// AuditConfig holds configuration for the audit sink and its stores.
type AuditConfig struct {
	QueueSize    int
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Stores       []string // postgres, s3, redis
	RedisQueue   string
	RedisMaxLen  int64
	S3Bucket     string
	S3Region     string
	S3Prefix     string
	PodName      string
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

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvList(key string, defaultValue []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	env := getEnvString("GATEWAY_ENV", "prod")

	cfg := &Config{
		HTTPPort:           getEnvString("HTTP_PORT", "8080"),
		Env:                env,
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Log: LogConfig{
			Env:   getEnvString("LOG_ENV", env),
			Level: getEnvString("LOG_LEVEL", ""),
		},
		Security: SecurityConfig{
			HashSalt:      os.Getenv("HASH_SALT"),
			KeyHashPepper: os.Getenv("KEY_HASH_PEPPER"),
		},
		Admin: AdminConfig{
			JWTSecret: []byte(os.Getenv("ADMIN_JWT_SECRET")),
			TokenTTL:  getEnvDuration("ADMIN_TOKEN_TTL", 12*time.Hour),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			QueryTimeout:    getEnvDuration("DB_QUERY_TIMEOUT", 3*time.Second),
		},
		Cache: CacheConfig{
			RevokedKeyCacheSize: getEnvInt("CACHE_REVOKED_KEY_SIZE", 1000),
			RevokedKeyCacheTTL:  getEnvDuration("CACHE_REVOKED_KEY_TTL", 24*time.Hour),
			UserLimitsCacheSize: getEnvInt("CACHE_USER_LIMITS_SIZE", 10000),
			UserLimitsCacheTTL:  getEnvDuration("CACHE_USER_LIMITS_TTL", time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 1*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 1*time.Second),
		},
		Upstream: UpstreamConfig{
			BaseURL:          strings.TrimRight(getEnvString("UPSTREAM_BASE_URL", "http://litellm:4000"), "/"),
			APIKey:           os.Getenv("UPSTREAM_API_KEY"),
			ConnectTimeout:   getEnvDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
			ReadTimeout:      getEnvDuration("UPSTREAM_READ_TIMEOUT", 120*time.Second),
			RetryBackoff:     getEnvDuration("UPSTREAM_RETRY_BACKOFF", 500*time.Millisecond),
			BreakerThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerWindow:    getEnvDuration("BREAKER_WINDOW", 60*time.Second),
			BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),
		},
		Quota: QuotaConfig{
			Backend:    getEnvString("QUOTA_BACKEND", "postgres"),
			DailyLimit: getEnvInt("QUOTA_DAILY_LIMIT", 1000),
			FailOpen:   getEnvBool("QUOTA_FAIL_OPEN", false),
		},
		Concurrency: ConcurrencyConfig{
			StreamCap: getEnvInt("STREAMING_CONCURRENCY_CAP", 2),
			MaxHold:   getEnvDuration("STREAMING_MAX_DURATION", 15*time.Minute),
		},
		Stages: StagesConfig{
			Path: getEnvString("STAGES_CONFIG_PATH", "config/models.yaml"),
		},
		Audit: AuditConfig{
			QueueSize:    getEnvInt("AUDIT_QUEUE_SIZE", 1000),
			BatchSize:    getEnvInt("AUDIT_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("AUDIT_BATCH_TIMEOUT", 2*time.Second),
			WriteTimeout: getEnvDuration("AUDIT_WRITE_TIMEOUT", 10*time.Second),
			Stores:       getEnvList("AUDIT_STORES", []string{"postgres"}),
			RedisQueue:   getEnvString("AUDIT_REDIS_QUEUE", "audit"),
			RedisMaxLen:  getEnvInt64("AUDIT_REDIS_MAX_LEN", 100_000),
			S3Bucket:     getEnvString("AUDIT_S3_BUCKET", ""),
			S3Region:     getEnvString("AUDIT_S3_REGION", "us-east-1"),
			S3Prefix:     getEnvString("AUDIT_S3_PREFIX", "audit/"),
			PodName:      getEnvString("POD_NAME", "gateway-0"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Security.HashSalt == "" {
		errs = append(errs, errors.New("HASH_SALT is required"))
	}
	if c.Security.KeyHashPepper == "" {
		errs = append(errs, errors.New("KEY_HASH_PEPPER is required"))
	}
	if c.Security.HashSalt != "" && c.Security.HashSalt == c.Security.KeyHashPepper {
		errs = append(errs, errors.New("HASH_SALT and KEY_HASH_PEPPER must be different"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("UPSTREAM_BASE_URL is required"))
	}
	if c.Quota.DailyLimit <= 0 {
		errs = append(errs, fmt.Errorf("QUOTA_DAILY_LIMIT must be positive, got %d", c.Quota.DailyLimit))
	}
	switch c.Quota.Backend {
	case "postgres":
	case "redis":
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("QUOTA_BACKEND=redis requires REDIS_ADDRESS"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUOTA_BACKEND %q", c.Quota.Backend))
	}
	if c.Concurrency.StreamCap <= 0 {
		errs = append(errs, fmt.Errorf("STREAMING_CONCURRENCY_CAP must be positive, got %d", c.Concurrency.StreamCap))
	}
	for _, store := range c.Audit.Stores {
		switch store {
		case "postgres":
		case "redis":
			if c.Redis.Address == "" {
				errs = append(errs, errors.New("audit store redis requires REDIS_ADDRESS"))
			}
		case "s3":
			if c.Audit.S3Bucket == "" {
				errs = append(errs, errors.New("audit store s3 requires AUDIT_S3_BUCKET"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown audit store %q", store))
		}
	}

	return errors.Join(errs...)
}
