package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Empty(t, cfg.APIKey)
	assert.NotEmpty(t, cfg.WorkDir)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
}

func TestLoadJSONCFile(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// server binding
		"host": "0.0.0.0",
		"port": 9100,
		"api_key": "secret",
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runspace.jsonc"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvInterpolation(t *testing.T) {
	t.Setenv("RUNSPACE_TEST_KEY", "from-env")

	dir := t.TempDir()
	content := `{"api_key": "{env:RUNSPACE_TEST_KEY}"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runspace.json"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SERVER_HOST", "10.0.0.5")
	t.Setenv("SERVER_PORT", "9200")
	t.Setenv("SERVER_API_KEY", "env-key")
	t.Setenv("LOG_LEVEL", "debug")

	dir := t.TempDir()
	content := `{"host": "filehost", "port": 9100, "api_key": "file-key"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runspace.jsonc"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvWorkDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SERVER_WORK_DIR", dir)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.WorkDir)
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.SessionsDir())
}

func TestLoadInvalidPort(t *testing.T) {
	dir := t.TempDir()
	content := `{"port": -1}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runspace.jsonc"), []byte(content), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runspace.jsonc"), []byte("{nope"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestAddr(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 8000}
	assert.Equal(t, "127.0.0.1:8000", cfg.Addr())
}
