package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvDefaults(t *testing.T) {
	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "3100", env.HTTPPort)
	assert.Equal(t, 3, env.JobEnv.MaxAttempts)
	assert.Equal(t, 2*time.Second, env.JobEnv.BackoffBase)
	assert.Equal(t, 24*time.Hour, env.MonitorEnv.ActiveWindow)
	assert.Equal(t, 50.0, env.MonitorEnv.CompletionFloor)
	assert.Zero(t, env.LoopEnv.Interval)
}

func TestLoadEnvTokens(t *testing.T) {
	t.Setenv("NEXO_API_TOKENS", "t1:alice|admin+qa,t2:agent-amazon|agent")
	t.Setenv("NEXO_LOG_LEVEL", "warn")
	env, err := LoadEnv()
	require.NoError(t, err)

	tokens := env.Tokens()
	assert.Equal(t, TokenPrincipal{UserID: "alice", Roles: []string{"admin", "qa"}}, tokens["t1"])
	assert.Equal(t, TokenPrincipal{UserID: "agent-amazon", Roles: []string{"agent"}}, tokens["t2"])
	assert.Equal(t, slog.LevelWarn, env.SlogLevel())
}

func TestLoadEnvRejectsZeroAttempts(t *testing.T) {
	t.Setenv("NEXO_JOB_MAX_ATTEMPTS", "0")
	_, err := LoadEnv()
	assert.Error(t, err)
}

func TestLoadEnvDisabledChannels(t *testing.T) {
	t.Setenv("NEXO_DISABLED_CHANNELS", "walmart,lazada")
	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"walmart", "lazada"}, LoopEnvFromEnv(env).DisabledChannels)
}
