package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithEnv(envMap(nil)))
	require.NoError(t, err)

	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, 120*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 7070, cfg.APIPort)
	assert.Equal(t, "http://localhost:7070", cfg.APIBaseURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 120*time.Second, cfg.WorkerLeaseTTL)
	assert.Equal(t, 10*time.Minute, cfg.PhaseTimeout)
	assert.Equal(t, "./runs", cfg.RunRoot)
	assert.Equal(t, "claude", cfg.Provider)
	assert.Equal(t, 30*time.Minute, cfg.StreamDeadline)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(WithEnv(envMap(map[string]string{
		"QUEUE_DB_PATH":           "/tmp/q.sqlite",
		"QUEUE_LEASE_TTL_MS":      "5000",
		"QUEUE_MAX_ATTEMPTS":      "5",
		"QUEUE_API_PORT":          "9000",
		"WORKER_API_BASE_URL":     "http://gateway:9000/",
		"WORKER_POLL_MS":          "250",
		"WORKER_LEASE_TTL_MS":     "30000",
		"WORKER_PHASE_TIMEOUT_MS": "60000",
		"CONDUCTOR_PROVIDER":      "codex",
	})))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/q.sqlite", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 9000, cfg.APIPort)
	assert.Equal(t, "http://gateway:9000", cfg.APIBaseURL, "trailing slash is stripped")
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.WorkerLeaseTTL)
	assert.Equal(t, time.Minute, cfg.PhaseTimeout)
	assert.Equal(t, "codex", cfg.Provider)
}

func TestLoadRejectsNonPositiveNumbers(t *testing.T) {
	for key, value := range map[string]string{
		"QUEUE_LEASE_TTL_MS": "0",
		"QUEUE_MAX_ATTEMPTS": "-1",
		"QUEUE_API_PORT":     "not-a-number",
		"WORKER_POLL_MS":     "-100",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := Load(WithEnv(envMap(map[string]string{key: value})))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadIgnoresBlankValues(t *testing.T) {
	cfg, err := Load(WithEnv(envMap(map[string]string{
		"QUEUE_DB_PATH":      "   ",
		"QUEUE_LEASE_TTL_MS": "",
	})))
	require.NoError(t, err)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultLeaseTTL, cfg.LeaseTTL)
}
