package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// KVバックエンドの種類。
const (
	KVBackendMemory   = "memory"
	KVBackendRedis    = "redis"
	KVBackendPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Logging
	LogLevel string

	// Cache
	KVBackend       string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	CacheKeyPrefix  string
	CachePolicyFile string
	CacheQuotaBytes int

	// Notification
	NotifyDebounce     time.Duration
	DomainExpiryWindow time.Duration
	CommentListLimit   int
	SaveTimeout        time.Duration

	// Presence
	HeartbeatInterval    time.Duration
	SessionLookupTimeout time.Duration
	ProfileStaleAfter    time.Duration
	BeaconURL            string
	BeaconAPIKey         string

	// Worker
	ExpiryScanInterval        time.Duration
	CleanupInterval           time.Duration
	NotificationRetentionDays int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitWrite   int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.KVBackend = strings.ToLower(getEnvString("KV_BACKEND", KVBackendPostgres))
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.CacheKeyPrefix = getEnvString("CACHE_KEY_PREFIX", "projecthub_cache_")
	cfg.CachePolicyFile = getEnvString("CACHE_POLICY_FILE", "")
	cfg.CacheQuotaBytes = getEnvInt("CACHE_QUOTA_BYTES", 0)
	cfg.NotifyDebounce = getEnvDuration("NOTIFY_DEBOUNCE", time.Second)
	cfg.DomainExpiryWindow = getEnvDuration("DOMAIN_EXPIRY_WINDOW", 720*time.Hour)
	cfg.CommentListLimit = getEnvInt("COMMENT_LIST_LIMIT", 50)
	cfg.SaveTimeout = getEnvDuration("SAVE_TIMEOUT", 30*time.Second)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.SessionLookupTimeout = getEnvDuration("SESSION_LOOKUP_TIMEOUT", 5*time.Second)
	cfg.ProfileStaleAfter = getEnvDuration("PROFILE_STALE_AFTER", 10*time.Minute)
	cfg.BeaconURL = getEnvString("BEACON_URL", "")
	cfg.BeaconAPIKey = getEnvString("BEACON_API_KEY", "")
	cfg.ExpiryScanInterval = getEnvDuration("EXPIRY_SCAN_INTERVAL", time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.NotificationRetentionDays = getEnvInt("NOTIFICATION_RETENTION_DAYS", 90)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	switch cfg.KVBackend {
	case KVBackendMemory, KVBackendRedis, KVBackendPostgres:
	default:
		return nil, fmt.Errorf("unsupported KV_BACKEND %q (memory, redis or postgres)", cfg.KVBackend)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
