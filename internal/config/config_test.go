package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 180*time.Second, cfg.Timeouts.ObserverJoinWait)
	assert.Equal(t, 2, cfg.Timeouts.ShutdownAttempts)
	assert.Equal(t, filepath.Join("data", "journal"), cfg.Journal.Dir)
	assert.True(t, cfg.Autosave.BeforeStart("combat"))
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node: alice
save_games_dir: /tmp/saves
timeouts:
  observer_join_wait: 45s
autosave:
  enabled: true
  table:
    purchase: {after_end: true}
`), 0o644))
	t.Setenv("STRATEGOS_TIMEOUT_SAVE_BLOCK", "9s")
	t.Setenv("STRATEGOS_AUTOSAVE_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Node)
	assert.Equal(t, "/tmp/saves", cfg.SaveGamesDir)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.ObserverJoinWait)
	assert.Equal(t, 9*time.Second, cfg.Timeouts.SaveBlock)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.ObserverBlock, "untouched defaults survive")
	assert.False(t, cfg.Autosave.Enabled)
	assert.Contains(t, cfg.Autosave.Table, "purchase")
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Node = ""
	cfg.Timeouts.SaveBlock = 0
	cfg.Mirror.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node")
	assert.Contains(t, err.Error(), "save_block")
	assert.Contains(t, err.Error(), "mirror")
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts: [1, 2"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
