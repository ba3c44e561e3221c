package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("ALLOCSYNC_API_URL", "https://accounting.example.org")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "https://accounting.example.org", cfg.APIURL)
	assert.Equal(t, "Jetstream", cfg.Resource)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, time.Hour, cfg.SyncInterval)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ALLOCSYNC_API_URL", "http://localhost:9000")
	t.Setenv("ALLOCSYNC_API_USER", "svc")
	t.Setenv("ALLOCSYNC_API_PASSWORD", "secret")
	t.Setenv("ALLOCSYNC_RESOURCE", "Stampede2")
	t.Setenv("ALLOCSYNC_HTTP_TIMEOUT", "5s")
	t.Setenv("ALLOCSYNC_SYNC_INTERVAL", "15m")
	t.Setenv("ALLOCSYNC_SCHEDULER_ENABLED", "false")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "svc", cfg.APIUser)
	assert.Equal(t, "secret", cfg.APIPassword)
	assert.Equal(t, "Stampede2", cfg.Resource)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.False(t, cfg.SchedulerEnabled)
}

func TestFromEnv_MissingURL(t *testing.T) {
	t.Setenv("ALLOCSYNC_API_URL", "")
	t.Setenv("API_URL", "")
	os.Unsetenv("ALLOCSYNC_API_URL")
	os.Unsetenv("API_URL")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnv_NonPositiveTimeout(t *testing.T) {
	t.Setenv("ALLOCSYNC_API_URL", "http://localhost:9000")
	t.Setenv("ALLOCSYNC_HTTP_TIMEOUT", "0s")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestLoadEnv_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ALLOCSYNC_RESOURCE=FromDotEnv\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	// godotenv does not override variables that are already set
	t.Setenv("ALLOCSYNC_API_URL", "http://localhost:9000")
	t.Setenv("ALLOCSYNC_RESOURCE", "")
	os.Unsetenv("ALLOCSYNC_RESOURCE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "FromDotEnv", cfg.Resource)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger("loud")
	assert.Error(t, err)
}

func TestNewDriver_UsesResourceAndTimeout(t *testing.T) {
	cfg := &Config{APIURL: "http://localhost:9000/", Resource: "Jetstream", HTTPTimeout: 2 * time.Second}

	client := cfg.NewClient(nil)
	assert.Equal(t, "http://localhost:9000", client.BaseURL)
	assert.Equal(t, 2*time.Second, client.HTTP.Timeout)

	driver := cfg.NewDriver(nil)
	assert.Equal(t, "Jetstream", driver.Resource())
}
