package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnvVars clears all billingkit-related environment variables.
func clearEnvVars() {
	envVars := []string{
		"APP_ENV", "LOG_LEVEL",
		"BILLINGKIT_APP_ID", "BILLINGKIT_PUBLIC_KEY", "BILLINGKIT_MERCHANT_ID",
		"BILLINGKIT_STORE_BACKEND", "BILLINGKIT_STORE_PATH", "BILLINGKIT_SQLITE_PATH",
		"DATABASE_URL", "REDIS_URL", "RABBITMQ_URL",
		"BILLINGKIT_REMOTE_URL", "BILLINGKIT_REMOTE_TIMEOUT",
		"BILLINGKIT_REMOTE_RETRY_COUNT", "BILLINGKIT_CHECKOUT_POLL_INTERVAL",
		"BILLINGKIT_EVENTS_ENABLED",
		"OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET", "OAUTH_TOKEN_URL",
		"BILLINGKIT_BACKOFF_FLOOR", "BILLINGKIT_BACKOFF_CAP",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "billingkit.demo", cfg.AppID)
	assert.Equal(t, "", cfg.PublicKey)
	assert.Equal(t, "", cfg.MerchantID)

	assert.Equal(t, "file", cfg.StoreBackend)
	assert.Contains(t, cfg.StorePath, ".billingkit/settings.json")
	assert.Equal(t, "billingkit.db", cfg.SQLitePath)

	assert.Equal(t, "http://localhost:8080", cfg.RemoteBaseURL)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 2, cfg.RemoteRetryCount)
	assert.Equal(t, 2*time.Second, cfg.CheckoutPollInterval)

	assert.Equal(t, "", cfg.RabbitMQURL)
	assert.True(t, cfg.EventsEnabled)

	assert.Equal(t, time.Second, cfg.BackoffFloor)
	assert.Equal(t, 15*time.Minute, cfg.BackoffCap)
}

func TestLoad_WithCustomEnvVars(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	os.Setenv("APP_ENV", "production")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("BILLINGKIT_APP_ID", "com.example.app")
	os.Setenv("BILLINGKIT_PUBLIC_KEY", "base64-key")
	os.Setenv("BILLINGKIT_MERCHANT_ID", "merchant-1")
	os.Setenv("BILLINGKIT_STORE_BACKEND", "redis")
	os.Setenv("BILLINGKIT_REMOTE_TIMEOUT", "30s")
	os.Setenv("BILLINGKIT_REMOTE_RETRY_COUNT", "5")
	os.Setenv("BILLINGKIT_EVENTS_ENABLED", "false")
	os.Setenv("BILLINGKIT_BACKOFF_FLOOR", "500ms")
	os.Setenv("BILLINGKIT_BACKOFF_CAP", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "production", cfg.AppEnv)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "com.example.app", cfg.AppID)
	assert.Equal(t, "base64-key", cfg.PublicKey)
	assert.Equal(t, "merchant-1", cfg.MerchantID)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, 30*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 5, cfg.RemoteRetryCount)
	assert.False(t, cfg.EventsEnabled)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffFloor)
	assert.Equal(t, time.Minute, cfg.BackoffCap)
}

func TestLoad_OAuthConfig(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	os.Setenv("OAUTH_CLIENT_ID", "client-id")
	os.Setenv("OAUTH_CLIENT_SECRET", "client-secret")
	os.Setenv("OAUTH_TOKEN_URL", "https://token.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "client-id", cfg.OAuthClientID)
	assert.Equal(t, "client-secret", cfg.OAuthClientSecret)
	assert.Equal(t, "https://token.example.com", cfg.OAuthTokenURL)
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		appEnv   string
		expected bool
	}{
		{"development", true},
		{"production", false},
		{"staging", false},
		{"test", false},
	}

	for _, tt := range tests {
		t.Run(tt.appEnv, func(t *testing.T) {
			cfg := &Config{AppEnv: tt.appEnv}
			assert.Equal(t, tt.expected, cfg.IsDevelopment())
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		appEnv   string
		expected bool
	}{
		{"development", false},
		{"production", true},
		{"staging", false},
		{"test", false},
	}

	for _, tt := range tests {
		t.Run(tt.appEnv, func(t *testing.T) {
			cfg := &Config{AppEnv: tt.appEnv}
			assert.Equal(t, tt.expected, cfg.IsProduction())
		})
	}
}

func TestGetEnv(t *testing.T) {
	value := getEnv("NON_EXISTENT_VAR", "default")
	assert.Equal(t, "default", value)

	os.Setenv("TEST_VAR", "custom")
	defer os.Unsetenv("TEST_VAR")
	value = getEnv("TEST_VAR", "default")
	assert.Equal(t, "custom", value)

	os.Setenv("TEST_EMPTY", "")
	defer os.Unsetenv("TEST_EMPTY")
	value = getEnv("TEST_EMPTY", "default")
	assert.Equal(t, "default", value)
}

func TestGetIntEnv(t *testing.T) {
	value := getIntEnv("NON_EXISTENT_INT", 42)
	assert.Equal(t, 42, value)

	os.Setenv("TEST_INT", "100")
	defer os.Unsetenv("TEST_INT")
	value = getIntEnv("TEST_INT", 42)
	assert.Equal(t, 100, value)

	os.Setenv("TEST_INVALID_INT", "not-a-number")
	defer os.Unsetenv("TEST_INVALID_INT")
	value = getIntEnv("TEST_INVALID_INT", 42)
	assert.Equal(t, 42, value)
}

func TestGetDurationEnv(t *testing.T) {
	value := getDurationEnv("NON_EXISTENT_DUR", 5*time.Second)
	assert.Equal(t, 5*time.Second, value)

	os.Setenv("TEST_DUR", "10m")
	defer os.Unsetenv("TEST_DUR")
	value = getDurationEnv("TEST_DUR", 5*time.Second)
	assert.Equal(t, 10*time.Minute, value)

	os.Setenv("TEST_INVALID_DUR", "not-a-duration")
	defer os.Unsetenv("TEST_INVALID_DUR")
	value = getDurationEnv("TEST_INVALID_DUR", 5*time.Second)
	assert.Equal(t, 5*time.Second, value)
}

func TestGetBoolEnv(t *testing.T) {
	value := getBoolEnv("NON_EXISTENT_BOOL", true)
	assert.True(t, value)

	trueValues := []string{"true", "1", "True", "TRUE"}
	for _, tv := range trueValues {
		os.Setenv("TEST_BOOL", tv)
		value = getBoolEnv("TEST_BOOL", false)
		assert.True(t, value, "Expected true for value: %s", tv)
	}

	falseValues := []string{"false", "0", "False", "FALSE"}
	for _, fv := range falseValues {
		os.Setenv("TEST_BOOL", fv)
		value = getBoolEnv("TEST_BOOL", true)
		assert.False(t, value, "Expected false for value: %s", fv)
	}
	os.Unsetenv("TEST_BOOL")

	os.Setenv("TEST_INVALID_BOOL", "not-a-bool")
	defer os.Unsetenv("TEST_INVALID_BOOL")
	value = getBoolEnv("TEST_INVALID_BOOL", true)
	assert.True(t, value)
}

func TestGetDefaultStorePath(t *testing.T) {
	path := getDefaultStorePath()
	assert.Contains(t, path, ".billingkit/settings.json")
}
