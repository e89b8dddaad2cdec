package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coderun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8088", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeoutDuration())
	assert.False(t, cfg.Server.TrustProxy)
	assert.Equal(t, DefaultEndpoint, cfg.Runner.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.Runner.HandshakeTimeoutDuration())
	assert.Equal(t, ContainerPrefix, cfg.Docker.ContainerPrefix)
	assert.Equal(t, WorkDir, cfg.Docker.WorkDir)
	assert.Equal(t, TimeoutSeconds*time.Second, cfg.Docker.RunTimeoutDuration())
	assert.Equal(t, DefaultImages, cfg.Docker.Images)
	assert.Equal(t, RequestsPerMinute, cfg.Limits.RequestsPerMinute)
	assert.Equal(t, 400*time.Millisecond, cfg.Limits.InputIdleDuration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.OutputPath)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
server:
  port: 9090
runner:
  endpoint: ws://runner.example:9090/ws
limits:
  requestsPerMinute: 60
  inputIdleMillis: 250
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "ws://runner.example:9090/ws", cfg.Runner.Endpoint)
	assert.Equal(t, 60, cfg.Limits.RequestsPerMinute)
	assert.Equal(t, 250*time.Millisecond, cfg.Limits.InputIdleDuration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset keys keep their defaults.
	assert.Equal(t, RequestsBurst, cfg.Limits.RequestsBurst)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("CODERUN_SERVER_PORT", "7000")
	t.Setenv("CODERUN_ENDPOINT", "ws://env.example/ws")
	t.Setenv("CODERUN_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "ws://env.example/ws", cfg.Runner.Endpoint)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidation(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
server:
  port: 0
limits:
  requestsBurst: 0
logging:
  level: loud
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "limits.requestsBurst")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestWatch(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "limits:\n  requestsPerMinute: 60\n")

	var (
		mu      sync.Mutex
		rates   []int
		invalid int
	)
	err := Watch(path, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		rates = append(rates, cfg.Limits.RequestsPerMinute)
	}, func(error) {
		mu.Lock()
		defer mu.Unlock()
		invalid++
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("limits:\n  requestsPerMinute: 120\n"), 0644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rates) > 0 && rates[len(rates)-1] == 120
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("limits:\n  requestsPerMinute: -1\n"), 0644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invalid > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchRequiresPath(t *testing.T) {
	assert.Error(t, Watch("", func(*Config) {}, nil))
}
