package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Secret holds a config value that must never appear in logs or
// %v-formatted dumps. Call Value() to read it and Wipe() when done.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port        string
	Environment string
	LogLevel    string
	BaseURL     string

	DatabasePath   string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration

	RedisURL      string
	RedisTLS      bool
	RedisUsername string
	RedisPassword Secret
	RedisTimeout  time.Duration

	BlobBackend    string // "fs" or "s3"
	BlobDir        string
	S3Bucket       string
	S3Endpoint     string
	S3UsePathStyle bool

	LRUCacheSize    int
	SealWorkerCount int
	SealQueueDepth  int

	RateLimit     RateLimitCfg
	MaxUploadSize int64

	DefaultLinkTTL  time.Duration
	CleanupInterval time.Duration
	ContextTimeout  time.Duration

	TrustedProxies []string
	AllowedOrigins []string

	MetricsUser        string
	MetricsPass        Secret
	MetricsRequireMTLS bool

	Pepper                 Secret
	PepperFromSecrets      bool
	IPHashRotationInterval time.Duration
}

// RateLimitCfg carries the per-hour windows for each abuse surface and
// the local fail-closed fallback used when redis is unreachable.
type RateLimitCfg struct {
	CreatePerHour     int
	LookupPerHour     int
	UploadPerHour     int
	ConservativeLimit int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BaseURL = getEnv("BASE_URL", "http://localhost:8080")
	c.DatabasePath = getEnv("DATABASE_PATH", "veil.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.BlobBackend = getEnv("BLOB_BACKEND", "fs")
	c.BlobDir = getEnv("BLOB_DIR", "blobs")
	c.S3Bucket = getEnv("S3_BUCKET", "")
	c.S3Endpoint = getEnv("S3_ENDPOINT", "")
	c.S3UsePathStyle = getEnv("S3_USE_PATH_STYLE", "false") == "true"
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.SealWorkerCount, err = getInt("SEAL_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.SealQueueDepth, err = getInt("SEAL_QUEUE_DEPTH", 100)
	if err != nil {
		return nil, err
	}
	c.RateLimit.CreatePerHour, err = getInt("RATE_LIMIT_CREATE_PER_HOUR", 20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.LookupPerHour, err = getInt("RATE_LIMIT_LOOKUP_PER_HOUR", 100)
	if err != nil {
		return nil, err
	}
	c.RateLimit.UploadPerHour, err = getInt("RATE_LIMIT_UPLOAD_PER_HOUR", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5)
	if err != nil {
		return nil, err
	}
	c.MaxUploadSize, err = getInt64("MAX_UPLOAD_SIZE", 25*1024*1024)
	if err != nil {
		return nil, err
	}
	c.DefaultLinkTTL, err = getDuration("DEFAULT_LINK_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.MetricsRequireMTLS = getEnv("METRICS_REQUIRE_MTLS", "false") == "true"
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromSecrets = getEnv("PEPPER_FROM_SECRETS", "false") == "true"
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if _, err := url.Parse(c.BaseURL); err != nil || c.BaseURL == "" {
		return errors.New("BASE_URL must be a valid URL")
	}

	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}

	switch c.BlobBackend {
	case "fs":
		if c.BlobDir == "" {
			return errors.New("BLOB_DIR is required when BLOB_BACKEND=fs")
		}
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be fs or s3, got %q", c.BlobBackend)
	}

	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.SealWorkerCount < 1 {
		return errors.New("SEAL_WORKER_COUNT must be at least 1")
	}
	if c.SealQueueDepth < 1 {
		return errors.New("SEAL_QUEUE_DEPTH must be at least 1")
	}
	if c.RateLimit.CreatePerHour <= 0 || c.RateLimit.LookupPerHour <= 0 || c.RateLimit.UploadPerHour <= 0 {
		return errors.New("rate limit windows must be positive")
	}

	if c.MaxUploadSize <= 0 {
		return errors.New("MAX_UPLOAD_SIZE must be positive")
	}
	if c.MaxUploadSize > 100*1024*1024 {
		return errors.New("MAX_UPLOAD_SIZE cannot exceed 100MB")
	}

	if c.DefaultLinkTTL < 1*time.Minute {
		return errors.New("DEFAULT_LINK_TTL must be at least 1 minute")
	}
	if c.DefaultLinkTTL > 30*24*time.Hour {
		return errors.New("DEFAULT_LINK_TTL cannot exceed 30 days")
	}
	if c.CleanupInterval < 1*time.Minute {
		return errors.New("CLEANUP_INTERVAL must be at least 1 minute")
	}

	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.PepperFromSecrets {
		if len(c.Pepper.Value()) == 0 {
			return errors.New("PEPPER is required if PEPPER_FROM_SECRETS is false")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}

	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL should not exceed 24 hours")
	}

	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
