// Package config validates and holds the process's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the engine process.
type Config struct {
	// Required variables
	JWTSecret    string
	Port         string
	ExperimentId string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits
	RateLimitWsIP   string
	RateLimitWsUser string
	RateLimitJoin   string

	// Engine lifecycle knobs (spec.md §6)
	PyodideLoadTimeoutS    int
	ReconnectionGraceS     int
	WaitroomTimeoutS       int
	MaxServerRTTMs         int
	MaxP2PRTTMs            int
	ProbeTimeoutMs         int
	StateBroadcastInterval int
	InputBufferSize        int
	InputDelayFrames       int
	FrameConfirmTimeoutMs  int
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error listing every problem found if any
// required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.ExperimentId = os.Getenv("EXPERIMENT_ID")
	if cfg.ExperimentId == "" {
		errs = append(errs, "EXPERIMENT_ID is required")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")
	cfg.RateLimitJoin = getEnvOrDefault("RATE_LIMIT_JOIN", "30-M")

	cfg.PyodideLoadTimeoutS = getEnvIntOrDefault("PYODIDE_LOAD_TIMEOUT_S", 60, &errs)
	cfg.ReconnectionGraceS = getEnvIntOrDefault("RECONNECTION_GRACE_S", 30, &errs)
	cfg.WaitroomTimeoutS = getEnvIntOrDefault("WAITROOM_TIMEOUT_S", 120, &errs)
	cfg.MaxServerRTTMs = getEnvIntOrDefault("MAX_SERVER_RTT_MS", 0, &errs)
	cfg.MaxP2PRTTMs = getEnvIntOrDefault("MAX_P2P_RTT_MS", 0, &errs)
	cfg.ProbeTimeoutMs = getEnvIntOrDefault("PROBE_TIMEOUT_MS", 10000, &errs)
	cfg.StateBroadcastInterval = getEnvIntOrDefault("STATE_BROADCAST_INTERVAL", 3, &errs)
	cfg.InputBufferSize = getEnvIntOrDefault("INPUT_BUFFER_SIZE", 64, &errs)
	cfg.InputDelayFrames = getEnvIntOrDefault("INPUT_DELAY_FRAMES", 0, &errs)
	cfg.FrameConfirmTimeoutMs = getEnvIntOrDefault("FRAME_CONFIRM_TIMEOUT_MS", 5000, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func getEnvIntOrDefault(key string, def int, errs *[]string) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, v))
		return def
	}
	return n
}

// ReconnectionGrace returns the configured reconnection grace as a Duration.
func (c *Config) ReconnectionGrace() time.Duration {
	return time.Duration(c.ReconnectionGraceS) * time.Second
}

// PyodideLoadTimeout returns the configured loading-gate timeout as a Duration.
func (c *Config) PyodideLoadTimeout() time.Duration {
	return time.Duration(c.PyodideLoadTimeoutS) * time.Second
}

// WaitroomTimeout returns the configured waitroom deadline as a Duration.
func (c *Config) WaitroomTimeout() time.Duration {
	return time.Duration(c.WaitroomTimeoutS) * time.Second
}

// ProbeTimeout returns the configured probe timeout as a Duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// FrameConfirmTimeout returns the relay runtime's per-frame hash-agreement
// deadline as a Duration.
func (c *Config) FrameConfirmTimeout() time.Duration {
	return time.Duration(c.FrameConfirmTimeoutMs) * time.Millisecond
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"experiment_id", cfg.ExperimentId,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"pyodide_load_timeout_s", cfg.PyodideLoadTimeoutS,
		"reconnection_grace_s", cfg.ReconnectionGraceS,
		"waitroom_timeout_s", cfg.WaitroomTimeoutS,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
