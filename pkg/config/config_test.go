package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendREST, cfg.Backend)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectInitialDelay)
	assert.Equal(t, 5*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.TypingQuietPeriod)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("API_BASE_URL", "https://api.swiftservice.test/")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "9")
	t.Setenv("POLL_INTERVAL", "45s")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.swiftservice.test", cfg.APIBaseURL)
	assert.Equal(t, 9, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.PollInterval)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"BACKEND": "mongo"}},
		{"firestore without project", map[string]string{"BACKEND": "firestore"}},
		{"max delay below initial", map[string]string{"RECONNECT_INITIAL_DELAY": "10s", "RECONNECT_MAX_DELAY": "1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
