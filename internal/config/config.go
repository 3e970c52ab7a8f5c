// Package config は環境変数とロビー定義ファイルからの設定読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Video provider (LiveKit互換)
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	ProviderTimeout  time.Duration
	TokenTTL         time.Duration

	// Work queue / notification broker
	RedisURL     string
	AMQPURL      string
	AMQPExchange string

	// Matching
	ProposalTTL         time.Duration
	CallJoinTimeout     time.Duration
	SurveyMinDuration   time.Duration
	TokenRetryAttempts  int
	TokenRetryBaseDelay time.Duration

	// Workers
	JobWorkers           int
	SweepInterval        time.Duration
	WebhookRetentionDays int

	// Lobby seed
	LobbyConfigPath string

	// Rate Limit
	RateLimitGeneral int
	RateLimitJoin    int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	// MetricsPort はworkerプロセスが/metricsを公開するポート。空の場合は公開しない。
	MetricsPort string

	// CORS
	CORSAllowedOrigin string

	// Cookie（CSRFトークン用）
	CookieDomain string
	CookieSecure bool
}

// LoadDotEnv は指定された.envファイルを環境変数に読み込む。
// ファイルが存在しない場合は何もしない。既存の環境変数は上書きしない。
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"LIVEKIT_URL", &cfg.LiveKitURL},
		{"LIVEKIT_API_KEY", &cfg.LiveKitAPIKey},
		{"LIVEKIT_API_SECRET", &cfg.LiveKitAPISecret},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", time.Hour)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.AMQPURL = getEnvString("AMQP_URL", "")
	cfg.AMQPExchange = getEnvString("AMQP_EXCHANGE", "callmatch.notifications")
	cfg.ProposalTTL = getEnvDuration("PROPOSAL_TTL", 2*time.Minute)
	cfg.CallJoinTimeout = getEnvDuration("CALL_JOIN_TIMEOUT", 5*time.Minute)
	cfg.SurveyMinDuration = getEnvDuration("SURVEY_MIN_DURATION", 5*time.Minute)
	cfg.TokenRetryAttempts = getEnvInt("TOKEN_RETRY_ATTEMPTS", 5)
	cfg.TokenRetryBaseDelay = getEnvDuration("TOKEN_RETRY_BASE_DELAY", 50*time.Millisecond)
	cfg.JobWorkers = getEnvInt("JOB_WORKERS", 4)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.WebhookRetentionDays = getEnvInt("WEBHOOK_RETENTION_DAYS", 90)
	cfg.LobbyConfigPath = getEnvString("LOBBY_CONFIG_PATH", "lobbies.yaml")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitJoin = getEnvInt("RATE_LIMIT_JOIN", 20)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", true)

	if cfg.TokenRetryAttempts < 1 {
		cfg.TokenRetryAttempts = 1
	}
	if cfg.JobWorkers < 1 {
		cfg.JobWorkers = 1
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
