package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenNoPathGiven(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":4020", cfg.ListenAddr)
	assert.Contains(t, cfg.ControlDir, ".vibetunnel")
	assert.False(t, cfg.HQMode)
	assert.Empty(t, cfg.Remotes)
}

func TestLoadTreatsMissingFileAsNoOverride(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":4020", cfg.ListenAddr)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
listenAddr: ":9000"
hqMode: true
hqBearer: "hq-secret"
remotes:
  - name: node-a
    url: "http://node-a:4020"
    bearer: "token-a"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.True(t, cfg.HQMode)
	assert.Equal(t, "hq-secret", cfg.HQBearer)
	require.Len(t, cfg.Remotes, 1)
	assert.Equal(t, "node-a", cfg.Remotes[0].Name)
	assert.Equal(t, "http://node-a:4020", cfg.Remotes[0].URL)
	assert.Equal(t, "token-a", cfg.Remotes[0].Bearer)
	// ControlDir wasn't overridden in the file, so the default survives.
	assert.Contains(t, cfg.ControlDir, ".vibetunnel")
}

func TestLoadReturnsErrorForMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEnvOverridesControlDir(t *testing.T) {
	t.Setenv("VIBETUNNEL_CONTROL_DIR", "/custom/control/dir")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/custom/control/dir", cfg.ControlDir)
}

func TestLoadEnvRequiresBothUsernameAndPassword(t *testing.T) {
	t.Setenv("VIBETUNNEL_USERNAME", "alice")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Username, "username-only env should not partially apply")
	assert.Empty(t, cfg.Password)
}

func TestLoadEnvAppliesUsernameAndPasswordTogether(t *testing.T) {
	t.Setenv("VIBETUNNEL_USERNAME", "alice")
	t.Setenv("VIBETUNNEL_PASSWORD", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "hunter2", cfg.Password)
}
