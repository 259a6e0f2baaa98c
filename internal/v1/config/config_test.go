package config

import (
	"os"
	"strings"
	"testing"
)

func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"JWT_SECRET", "PORT", "EXPERIMENT_ID", "REDIS_ENABLED", "REDIS_ADDR",
		"GO_ENV", "LOG_LEVEL", "PYODIDE_LOAD_TIMEOUT_S", "RECONNECTION_GRACE_S",
		"WAITROOM_TIMEOUT_S",
	}
	orig := map[string]string{}
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}

	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("EXPERIMENT_ID", "exp-001")
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.JWTSecret != "this-is-a-very-long-secret-key-for-testing-purposes" {
		t.Errorf("expected JWT_SECRET to be set correctly")
	}
	if cfg.Port != "8080" {
		t.Errorf("expected PORT to be '8080', got '%s'", cfg.Port)
	}
	if cfg.ExperimentId != "exp-001" {
		t.Errorf("expected EXPERIMENT_ID to be 'exp-001', got '%s'", cfg.ExperimentId)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.PyodideLoadTimeoutS != 60 {
		t.Errorf("expected PYODIDE_LOAD_TIMEOUT_S to default to 60, got %d", cfg.PyodideLoadTimeoutS)
	}
	if cfg.ReconnectionGraceS != 30 {
		t.Errorf("expected RECONNECTION_GRACE_S to default to 30, got %d", cfg.ReconnectionGraceS)
	}
}

func TestValidateEnv_MissingJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("EXPERIMENT_ID", "exp-001")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Errorf("expected error message about JWT_SECRET, got: %v", err)
	}
}

func TestValidateEnv_ShortJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "short")
	os.Setenv("PORT", "8080")
	os.Setenv("EXPERIMENT_ID", "exp-001")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for short JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "must be at least 32 characters") {
		t.Errorf("expected error message about JWT_SECRET length, got: %v", err)
	}
}

func TestValidateEnv_MissingPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("EXPERIMENT_ID", "exp-001")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT is required") {
		t.Errorf("expected error message about PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "99999")
	os.Setenv("EXPERIMENT_ID", "exp-001")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_MissingExperimentId(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing EXPERIMENT_ID, got nil")
	}
	if !strings.Contains(err.Error(), "EXPERIMENT_ID is required") {
		t.Errorf("expected error message about EXPERIMENT_ID, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("EXPERIMENT_ID", "exp-001")
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("expected error message about REDIS_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("EXPERIMENT_ID", "exp-001")
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected REDIS_ADDR to default to 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"short secret", "short", "***"},
		{"exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactSecret(tt.secret); got != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"valid localhost", "localhost:8080", true},
		{"valid IP", "127.0.0.1:3000", true},
		{"missing port", "localhost", false},
		{"missing host", ":8080", false},
		{"invalid port", "localhost:99999", false},
		{"non-numeric port", "localhost:abc", false},
		{"empty string", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidHostPort(tt.addr); got != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, got, tt.expected)
			}
		})
	}
}
