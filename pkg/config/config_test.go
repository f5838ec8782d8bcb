package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadFromEnvOverlaysSetVars(t *testing.T) {
	t.Setenv("SKALD_DB", "/tmp/custom.db")
	t.Setenv("SKALD_PRIORITY", "42")
	t.Setenv("SKALD_PEER_LIST", "a:1, b:2")
	t.Setenv("SKALD_PLUGINS", "one,two")

	cfg := LoadFromEnv()
	assert.Equal(t, "/tmp/custom.db", cfg.DB)
	assert.Equal(t, 42, cfg.Priority)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.PeerList)
	assert.Equal(t, []string{"one", "two"}, cfg.Plugins)
}

func TestLoadFileOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skald.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeName: custom-node\npriority: 9\n"), 0o644))

	cfg, err := LoadFile(Default(), path)
	require.NoError(t, err)
	assert.Equal(t, "custom-node", cfg.NodeName)
	assert.Equal(t, 9, cfg.Priority)
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(Default(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateRejectsEmptyDB(t *testing.T) {
	cfg := Default()
	cfg.DB = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveThreads(t *testing.T) {
	cfg := Default()
	cfg.WorkerThreads = 0
	assert.Error(t, cfg.Validate())
}
