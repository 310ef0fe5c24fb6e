package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetEnv clears name for the duration of the test and restores it afterwards.
func unsetEnv(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, "")
	require.NoError(t, os.Unsetenv(name))
}

// TestExpandString tests the expandString function with various scenarios
func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "string without placeholders",
			input:    "simple-string",
			envVars:  map[string]string{},
			expected: "simple-string",
		},
		{
			name:     "simple variable expansion",
			input:    "${REDIS_URL}",
			envVars:  map[string]string{"REDIS_URL": "redis://cache:6379/0"},
			expected: "redis://cache:6379/0",
		},
		{
			name:     "variable in middle of string",
			input:    "prefix-${API_KEY}-suffix",
			envVars:  map[string]string{"API_KEY": "sk-12345"},
			expected: "prefix-sk-12345-suffix",
		},
		{
			name:     "multiple variables",
			input:    "${SCHEME}://${HOST}:${PORT}",
			envVars:  map[string]string{"SCHEME": "https", "HOST": "api.example.com", "PORT": "8080"},
			expected: "https://api.example.com:8080",
		},
		{
			name:     "variable with default value - env var exists",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{"API_KEY": "sk-real-key"},
			expected: "sk-real-key",
		},
		{
			name:     "variable with default value - env var missing",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{},
			expected: "default-key",
		},
		{
			name:     "variable with default value - env var empty",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{"API_KEY": ""},
			expected: "default-key",
		},
		{
			name:     "unresolved variable - no default",
			input:    "${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "${MISSING_VAR}",
		},
		{
			name:     "partially resolved string",
			input:    "${RESOLVED}-${UNRESOLVED}",
			envVars:  map[string]string{"RESOLVED": "value1"},
			expected: "value1-${UNRESOLVED}",
		},
		{
			name:     "mixed resolved and unresolved with defaults",
			input:    "${RESOLVED}:${UNRESOLVED:-fallback}:${MISSING}",
			envVars:  map[string]string{"RESOLVED": "value1"},
			expected: "value1:fallback:${MISSING}",
		},
		{
			name:     "default value with special characters",
			input:    "${API_KEY:-https://api.example.com/v1}",
			envVars:  map[string]string{},
			expected: "https://api.example.com/v1",
		},
		{
			name:     "default value with colon in it",
			input:    "${URL:-http://localhost:8080}",
			envVars:  map[string]string{},
			expected: "http://localhost:8080",
		},
		{
			name:     "complex real-world example",
			input:    "${PROXY_HOST:-https://proxies.example.com}/list.txt",
			envVars:  map[string]string{},
			expected: "https://proxies.example.com/list.txt",
		},
		{
			name:     "environment variable set to empty string (no default)",
			input:    "${EMPTY_VAR}",
			envVars:  map[string]string{"EMPTY_VAR": ""},
			expected: "${EMPTY_VAR}",
		},
		{
			name:     "empty default value - env var missing",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "empty default value - env var set",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{"OPTIONAL_VAR": "actual-value"},
			expected: "actual-value",
		},
		{
			name:     "empty default value - env var empty",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{"OPTIONAL_VAR": ""},
			expected: "",
		},
		{
			name:     "admin key pattern - not set should be empty",
			input:    "${ADMIN_KEY:-}",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "admin key pattern - set to value",
			input:    "${ADMIN_KEY:-}",
			envVars:  map[string]string{"ADMIN_KEY": "secret-key"},
			expected: "secret-key",
		},
		{
			name:     "multiple placeholders some resolved some not",
			input:    "prefix-${VAR1}-${VAR2}-${VAR3}-suffix",
			envVars:  map[string]string{"VAR1": "a", "VAR3": "c"},
			expected: "prefix-a-${VAR2}-c-suffix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, name := range []string{"API_KEY", "REDIS_URL", "MISSING_VAR", "UNRESOLVED", "MISSING", "VAR2", "URL", "PROXY_HOST", "OPTIONAL_VAR", "ADMIN_KEY"} {
				unsetEnv(t, name)
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandString(tt.input)
			if result != tt.expected {
				t.Errorf("expandString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestApplyEnvOverrides tests the applyEnvOverrides function
func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "PORT override",
			envVars: map[string]string{"PORT": "3000"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "3000", cfg.Server.Port)
			},
		},
		{
			name:    "ADMIN_KEY override",
			envVars: map[string]string{"ADMIN_KEY": "my-secret"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "my-secret", cfg.Server.AdminKey)
			},
		},
		{
			name:    "storage overrides",
			envVars: map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test", "POSTGRES_MAX_CONNS": "20"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, StoragePostgreSQL, cfg.Storage.Type)
				assert.Equal(t, "postgres://localhost/test", cfg.Storage.PostgreSQL.URL)
				assert.Equal(t, 20, cfg.Storage.PostgreSQL.MaxConns)
			},
		},
		{
			name:    "bool overrides",
			envVars: map[string]string{"METRICS_ENABLED": "true", "EXTRACT_LOG_ENABLED": "1"},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Server.MetricsEnabled)
				assert.True(t, cfg.ExtractLog.Enabled)
			},
		},
		{
			name:    "duration as plain seconds",
			envVars: map[string]string{"HTTP_TIMEOUT": "30", "HTTP_RESPONSE_HEADER_TIMEOUT": "60"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
				assert.Equal(t, 60*time.Second, cfg.HTTP.ResponseHeaderTimeout)
			},
		},
		{
			name:    "duration as Go string",
			envVars: map[string]string{"CACHE_TTL": "90m", "QUEUE_DELAY": "250ms"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
				assert.Equal(t, 250*time.Millisecond, cfg.Queue.Delay)
			},
		},
		{
			name:    "float override",
			envVars: map[string]string{"RATE_LIMIT_RPS": "2.5"},
			check: func(t *testing.T, cfg *Config) {
				assert.InDelta(t, 2.5, cfg.Server.RateLimitRPS, 0.0001)
			},
		},
		{
			name:    "credential sources",
			envVars: map[string]string{"YT_COOKIES": "SID=abc; HSID=def", "YT_OAUTH_TOKEN": "ya29.token"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "SID=abc; HSID=def", cfg.Auth.Cookies)
				assert.Equal(t, "ya29.token", cfg.Auth.OAuthToken)
			},
		},
		{
			name:    "no env vars set preserves defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "8080", cfg.Server.Port)
				assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
				assert.Equal(t, 500, cfg.Cache.Capacity)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	viper.Reset()
	t.Setenv("CACHE_CAPACITY", "lots")
	t.Setenv("CACHE_TTL", "forever")
	t.Setenv("METRICS_ENABLED", "maybe")

	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_CAPACITY")
	assert.Contains(t, err.Error(), "CACHE_TTL")
	assert.Contains(t, err.Error(), "METRICS_ENABLED")
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"3600", time.Hour, false},
		{"0", 0, false},
		{"1h30m", 90 * time.Minute, false},
		{"500ms", 500 * time.Millisecond, false},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
