// Package config validates environment configuration at startup.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	SharedSecret string
	Port         string

	// Process identity
	InstanceID string
	Version    string

	// Media core control API
	MediaURL string

	// Transcription (empty ASRURL disables the pipeline)
	ASRURL        string
	ASRSampleRate int
	DecoderBin    string

	// Minutes summarization (missing URL or token forces local summarization)
	SummarizerURL   string
	SummarizerToken string

	// Redis fan-out
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth
	AuthDomain      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Rate Limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: SFU_SHARED_SECRET (minimum 16 characters)
	cfg.SharedSecret = os.Getenv("SFU_SHARED_SECRET")
	if cfg.SharedSecret == "" {
		errors = append(errors, "SFU_SHARED_SECRET is required")
	} else if len(cfg.SharedSecret) < 16 {
		errors = append(errors, fmt.Sprintf("SFU_SHARED_SECRET must be at least 16 characters (got %d)", len(cfg.SharedSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: INSTANCE_ID (defaults to a fresh UUID per process)
	cfg.InstanceID = os.Getenv("INSTANCE_ID")
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	// Optional: VERSION (defaults to "dev")
	cfg.Version = os.Getenv("VERSION")
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	// Optional: MEDIA_URL (defaults to the local media core)
	cfg.MediaURL = getEnvOrDefault("MEDIA_URL", "http://localhost:4443")
	if u, err := url.Parse(cfg.MediaURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, fmt.Sprintf("MEDIA_URL must be an http:// or https:// URL (got '%s')", cfg.MediaURL))
	}

	// Optional: ASR_URL (ws:// or wss://; empty disables transcription)
	cfg.ASRURL = os.Getenv("ASR_URL")
	if cfg.ASRURL != "" {
		u, err := url.Parse(cfg.ASRURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errors = append(errors, fmt.Sprintf("ASR_URL must be a ws:// or wss:// URL (got '%s')", cfg.ASRURL))
		}
	} else {
		slog.Warn("ASR_URL not set, transcription is disabled")
	}

	// Optional: ASR_SAMPLE_RATE (defaults to 16000)
	cfg.ASRSampleRate = 16000
	if rate := os.Getenv("ASR_SAMPLE_RATE"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil || n < 8000 || n > 48000 {
			errors = append(errors, fmt.Sprintf("ASR_SAMPLE_RATE must be between 8000 and 48000 (got '%s')", rate))
		} else {
			cfg.ASRSampleRate = n
		}
	}

	// Optional: DECODER_BIN (defaults to "ffmpeg")
	cfg.DecoderBin = getEnvOrDefault("DECODER_BIN", "ffmpeg")

	// Optional: summarizer service; both must be present for remote summarization
	cfg.SummarizerURL = os.Getenv("SUMMARIZER_URL")
	cfg.SummarizerToken = os.Getenv("SUMMARIZER_TOKEN")
	if cfg.SummarizerURL == "" || cfg.SummarizerToken == "" {
		slog.Warn("SUMMARIZER_URL or SUMMARIZER_TOKEN not set, using local summarizer")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Auth variables (not validated here; SKIP_AUTH gates their use)
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if !cfg.SkipAuth && cfg.AuthDomain == "" {
		errors = append(errors, "AUTH_DOMAIN is required unless SKIP_AUTH=true")
	}
	if !cfg.SkipAuth && cfg.AuthAudience == "" {
		errors = append(errors, "AUTH_AUDIENCE is required unless SKIP_AUTH=true")
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"shared_secret", redactSecret(cfg.SharedSecret),
		"port", cfg.Port,
		"instance_id", cfg.InstanceID,
		"version", cfg.Version,
		"media_url", cfg.MediaURL,
		"asr_url", cfg.ASRURL,
		"asr_sample_rate", cfg.ASRSampleRate,
		"decoder_bin", cfg.DecoderBin,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
