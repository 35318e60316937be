package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.Registry.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.Registry.EngineInitTimeout)
	assert.Equal(t, 20, cfg.Snapshot.Retention)
	assert.Equal(t, 100, cfg.Store.KeepOnDisk)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SESSION_MAX_IN_MEMORY", "3")
	t.Setenv("SESSION_UI_HISTORY_TIMEOUT", "500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Registry.MaxSessions)
	assert.Equal(t, 500*time.Millisecond, cfg.Store.UIHistoryTimeout)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.yaml")
	content := []byte("registry:\n  max_sessions: 5\nstore:\n  keep_on_disk: 25\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Registry.MaxSessions)
	assert.Equal(t, 25, cfg.Store.KeepOnDisk)
	// Untouched fields keep env/default values
	assert.Equal(t, 20, cfg.Snapshot.Retention)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Registry.MaxSessions = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Snapshot.Retention = 0
	assert.Error(t, cfg.Validate())
}
