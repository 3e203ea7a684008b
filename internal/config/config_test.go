package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Equal(t, "/dev/serial0", cfg.Link.PortPath)
	assert.Equal(t, 115200, cfg.LinkSettings().BaudRate)
	assert.Equal(t, time.Second, cfg.AssemblerSettings().IdleTimeout)
	assert.Equal(t, 5, cfg.AssemblerSettings().MaxAttempts)
	assert.Equal(t, "pwm", cfg.OutputSettings().Backend)

	tm := cfg.Snapshot()
	assert.Zero(t, tm.TriggerTimeout)
	assert.Equal(t, 100*time.Millisecond, tm.GateSettle)
	assert.Equal(t, 4*time.Second, tm.PostConfigDelay)
	assert.Equal(t, 2*time.Second, tm.RestartDelay)
	assert.Equal(t, 5*time.Second, tm.TriggerDelay)
	assert.Equal(t, byte('1'), tm.TriggerByte)
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
link:
  port_path: /dev/ttyAMA0
assembler:
  idle_ms: 250
output:
  backend: soft
  ir_line: 5
`), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "/dev/ttyAMA0", cfg.Link.PortPath)
	assert.Equal(t, 115200, cfg.Link.BaudRate)
	assert.Equal(t, 250*time.Millisecond, cfg.AssemblerSettings().IdleTimeout)
	assert.Equal(t, "soft", cfg.Output.Backend)
	assert.Equal(t, 5, cfg.Output.IRLine)
	assert.Equal(t, 24, cfg.Output.OptoLine)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("link: [unterminated"), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, DefaultConfig().Link, cfg.Link)
	assert.Equal(t, path, cfg.Path())
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(`
# comment
OPTOSYNC_BACKEND="demo"
OPTOSYNC_BAUD=9600
`), 0644))
	t.Setenv("OPTOSYNC_BACKEND", "")
	t.Setenv("OPTOSYNC_BAUD", "")
	t.Setenv("OPTOSYNC_PORT", "/dev/ttyUSB1")
	t.Setenv("OPTOSYNC_TELEMETRY", "yes")
	t.Setenv("OPTOSYNC_TRIGGER_TIMEOUT_MS", "30000")

	cfg := LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.Equal(t, "demo", cfg.Output.Backend)
	assert.Equal(t, 9600, cfg.Link.BaudRate)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Link.PortPath)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Snapshot().TriggerTimeout)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Output.Backend = "demo"
	cfg.Receiver.RestartDelayMs = 500
	require.NoError(t, cfg.Save())

	again := LoadConfig(path)
	assert.Equal(t, "demo", again.Output.Backend)
	assert.Equal(t, 500*time.Millisecond, again.Snapshot().RestartDelay)
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"trigger": {"timeoutMs": 1500}, "output": {"backend": "demo"}}`)))

	assert.Equal(t, 1500, cfg.Trigger.TimeoutMs)
	assert.Equal(t, "1", cfg.Trigger.Literal)
	assert.Equal(t, "demo", cfg.Output.Backend)
	assert.Equal(t, "GPIO12", cfg.Output.IRPin)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`not json`)))
}
