package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv  string
	AppPort string
	TZ      string

	// Public base URL of this server (https://...), used to build the
	// stream URL embedded in TwiML responses.
	PublicBaseURL string

	RedisURL string

	MongoURI string
	DBName   string

	// Realtime model provider
	RealtimeAPIKey string
	RealtimeURL    string
	RealtimeModel  string
	DefaultVoice   string

	// Structural connection limits (hard socket rejection)
	MaxConnsPerIP      int
	MaxConcurrentCalls int

	// Per-IP call frequency (soft limit: decline-and-hangup)
	CallsPerIPMax      int
	CallsPerIPWindowMin int

	// Progressive penalties
	SuspendThreshold   int
	SuspendDurationMin int
	PenaltyDelayMs     int
	PenaltyDelayMaxMs  int

	// Session lifecycle
	MaxCallDurationMin     int
	RateLimitedHangupSec   int
	GreetingDelayMs        int

	// Persistent per-phone quota
	QuotaDriver        string // mongo | memory | off
	PhoneHashSecret    string
	PhoneCallCap       int
	PhoneWindowHours   int
	QuotaRetentionDays int
	DefaultCountryCode string

	StatusWebhookSecret string

	JWTSecret      string
	APIRateLimitRPM int

	LogLevel           string
	CORSAllowedOrigins string

	OTELEndpoint string
	OTELEnabled  bool
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// Missing .env is fine; production runs on real environment variables.
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppPort: getEnv("APP_PORT", "8080"),
		TZ:      getEnv("TZ", "UTC"),

		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		RedisURL: getEnv("REDIS_URL", ""),

		MongoURI: getEnv("MONGO_URI", ""),
		DBName:   getEnv("DB_NAME", "callbridge"),

		RealtimeAPIKey: getEnv("REALTIME_API_KEY", ""),
		RealtimeURL:    getEnv("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:  getEnv("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		DefaultVoice:   getEnv("DEFAULT_VOICE", "alloy"),

		MaxConnsPerIP:      getEnvInt("MAX_CONNS_PER_IP", 5),
		MaxConcurrentCalls: getEnvInt("MAX_CONCURRENT_CALLS", 20),

		CallsPerIPMax:       getEnvInt("CALLS_PER_IP_MAX", 10),
		CallsPerIPWindowMin: getEnvInt("CALLS_PER_IP_WINDOW_MIN", 60),

		SuspendThreshold:   getEnvInt("SUSPEND_THRESHOLD", 5),
		SuspendDurationMin: getEnvInt("SUSPEND_DURATION_MIN", 30),
		PenaltyDelayMs:     getEnvInt("PENALTY_DELAY_MS", 500),
		PenaltyDelayMaxMs:  getEnvInt("PENALTY_DELAY_MAX_MS", 5000),

		MaxCallDurationMin:   getEnvInt("MAX_CALL_DURATION_MIN", 10),
		RateLimitedHangupSec: getEnvInt("RATE_LIMITED_HANGUP_SEC", 15),
		GreetingDelayMs:      getEnvInt("GREETING_DELAY_MS", 250),

		QuotaDriver:        getEnv("QUOTA_DRIVER", "mongo"),
		PhoneHashSecret:    getEnv("PHONE_HASH_SECRET", ""),
		PhoneCallCap:       getEnvInt("PHONE_CALL_CAP", 3),
		PhoneWindowHours:   getEnvInt("PHONE_WINDOW_HOURS", 24),
		QuotaRetentionDays: getEnvInt("QUOTA_RETENTION_DAYS", 7),
		DefaultCountryCode: getEnv("DEFAULT_COUNTRY_CODE", "1"),

		StatusWebhookSecret: getEnv("STATUS_WEBHOOK_SECRET", ""),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 180),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", cfg.TZ, err)
	}
	time.Local = loc

	return cfg, nil
}

// CallWindow returns the per-IP frequency window as a duration.
func (c *Config) CallWindow() time.Duration {
	return time.Duration(c.CallsPerIPWindowMin) * time.Minute
}

// PhoneWindow returns the per-phone quota window as a duration.
func (c *Config) PhoneWindow() time.Duration {
	return time.Duration(c.PhoneWindowHours) * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}
