package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, 3, cfg.Guards.MaxSpawnDepth)
	assert.Equal(t, 3, cfg.Guards.MaxConcurrentPerAgent)
	assert.Equal(t, 10, cfg.Guards.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval())
	assert.Equal(t, 5*time.Second, cfg.Process.TerminateGrace())
	assert.Equal(t, 2, cfg.Queue.MaxAttempts)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	agents := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(agents, []byte(`
agents:
  Echo:
    provider: template
    command: "echo {{prompt}}"
`), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
guards:
  maxSpawnDepth: 2
agents:
  claude:
    provider: claude-code
    binary: claude
agentsFile: `+agents+`
`), 0o644))

	t.Setenv("CONDUCTOR_QUEUE_WORKERS", "7")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Guards.MaxSpawnDepth)
	assert.Equal(t, 7, cfg.Queue.Workers)
	require.Contains(t, cfg.Agents, "claude")
	require.Contains(t, cfg.Agents, "echo")
	assert.Equal(t, "template", cfg.Agents["echo"].Provider)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
bus:
  driver: postgres
queue:
  maxAttempts: 5
agents:
  broken:
    provider: telepathy
`), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.driver postgres requires database.driver postgres")
	assert.Contains(t, err.Error(), "queue.maxAttempts must be 1 or 2")
	assert.Contains(t, err.Error(), `agents.broken.provider "telepathy" is not supported`)
}
