package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアのバックエンド。
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string
	StoreTimeout time.Duration

	// Session
	SessionMaxAge int
	TicketSecret  string
	TicketTTL     time.Duration
	BcryptCost    int

	// Sync
	ChatAppendMode     string
	HighlightTimestamp string

	// Import
	ImportInterval       time.Duration
	ImportSourceInterval time.Duration
	ImportTimeout        time.Duration
	ImportMaxSize        int64
	ImportMaxConcurrent  int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitWrite   int

	// Realtime
	WSSendQueue      int
	WSPongTimeout    time.Duration
	WSMaxMessageSize int64

	// Storage（S3互換。未設定ならアップロード無効）
	StorageEndpoint      string
	StorageRegion        string
	StorageBucket        string
	StorageAccessKey     string
	StorageSecretKey     string
	StoragePublicBaseURL string
	StorageUploadExpiry  time.Duration

	// Cleanup
	SourceRetentionDays int

	// Logging（logger.ParseLevelが解釈する）
	LogLevel string

	// Server
	ServerPort  string
	MetricsPort string // ワーカーの/metrics公開ポート
	BaseURL     string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// LoadDotEnv はpathの.envファイルを環境変数に読み込む。
// ファイルが無い場合は何もしない。既に設定済みの環境変数は上書きしない。
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や、列挙値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = getEnvString("STORE_BACKEND", BackendPostgres)
	switch cfg.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q: %q", BackendPostgres, BackendMemory, cfg.StoreBackend)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreBackend == BackendPostgres {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TicketSecret = os.Getenv("TICKET_SECRET")
	if cfg.TicketSecret == "" {
		missing = append(missing, "TICKET_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.ChatAppendMode = getEnvString("CHAT_APPEND_MODE", "atomic")
	if cfg.ChatAppendMode != "atomic" && cfg.ChatAppendMode != "replace" {
		return nil, fmt.Errorf("CHAT_APPEND_MODE must be \"atomic\" or \"replace\": %q", cfg.ChatAppendMode)
	}
	cfg.HighlightTimestamp = getEnvString("HIGHLIGHT_TIMESTAMP_SOURCE", "client")
	if cfg.HighlightTimestamp != "client" && cfg.HighlightTimestamp != "server" {
		return nil, fmt.Errorf("HIGHLIGHT_TIMESTAMP_SOURCE must be \"client\" or \"server\": %q", cfg.HighlightTimestamp)
	}

	// Optional fields with defaults
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 10*time.Second)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.TicketTTL = getEnvDuration("TICKET_TTL", time.Minute)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)
	cfg.ImportInterval = getEnvDuration("IMPORT_INTERVAL", 5*time.Minute)
	cfg.ImportSourceInterval = getEnvDuration("IMPORT_SOURCE_INTERVAL", time.Hour)
	cfg.ImportTimeout = getEnvDuration("IMPORT_TIMEOUT", 10*time.Second)
	cfg.ImportMaxSize = getEnvInt64("IMPORT_MAX_SIZE", 5242880)
	cfg.ImportMaxConcurrent = getEnvInt("IMPORT_MAX_CONCURRENT", 5)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 10)
	cfg.WSSendQueue = getEnvInt("WS_SEND_QUEUE", 64)
	cfg.WSPongTimeout = getEnvDuration("WS_PONG_TIMEOUT", 60*time.Second)
	cfg.WSMaxMessageSize = getEnvInt64("WS_MAX_MESSAGE_SIZE", 65536)
	cfg.StorageEndpoint = getEnvString("STORAGE_ENDPOINT", "")
	cfg.StorageRegion = getEnvString("STORAGE_REGION", "auto")
	cfg.StorageBucket = getEnvString("STORAGE_BUCKET", "")
	cfg.StorageAccessKey = getEnvString("STORAGE_ACCESS_KEY", "")
	cfg.StorageSecretKey = getEnvString("STORAGE_SECRET_KEY", "")
	cfg.StoragePublicBaseURL = getEnvString("STORAGE_PUBLIC_BASE_URL", "")
	cfg.StorageUploadExpiry = getEnvDuration("STORAGE_UPLOAD_EXPIRY", 15*time.Minute)
	cfg.SourceRetentionDays = getEnvInt("SOURCE_RETENTION_DAYS", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
