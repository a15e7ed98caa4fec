package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	// Set required env vars
	setEnv(t, "WEBHOOK_BASE_URL", "https://enforcement.example.com")
	setEnv(t, "WEBHOOK_SECRET", "test-signing-key")
	setEnv(t, "PORT", "9090")
	setEnv(t, "GAME_APPS", "final10-arcade, final10-trivia")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://enforcement.example.com", cfg.WebhookBaseURL)
	assert.Equal(t, []string{"final10-arcade", "final10-trivia"}, cfg.GameApps)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_MissingWebhookConfig(t *testing.T) {
	setEnv(t, "WEBHOOK_BASE_URL", "")
	setEnv(t, "WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_BASE_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				WebhookBaseURL: "https://enforcement.example.com",
				WebhookSecret:  "key",
			},
			wantErr: "",
		},
		{
			name: "missing webhook base URL",
			config: Config{
				WebhookSecret: "key",
			},
			wantErr: "WEBHOOK_BASE_URL is required",
		},
		{
			name: "missing webhook secret",
			config: Config{
				WebhookBaseURL: "https://enforcement.example.com",
			},
			wantErr: "WEBHOOK_SECRET is required",
		},
		{
			name: "production requires admin secret",
			config: Config{
				WebhookBaseURL: "https://enforcement.example.com",
				WebhookSecret:  "key",
				Env:            "production",
			},
			wantErr: "ADMIN_SECRET is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", "a, b ,c,,")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_LIST"))
}
