package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, Validate())
}

func TestValidateRejectsZeroCapacity(t *testing.T) {
	orig := Config.Slots.Capacity
	defer func() { Config.Slots.Capacity = orig }()

	Config.Slots.Capacity = 0
	assert.Error(t, Validate())
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	orig := Config.Logging.Format
	defer func() { Config.Logging.Format = orig }()

	Config.Logging.Format = "xml"
	assert.Error(t, Validate())
}

func TestLoadAppliesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
node_id = 7
data_dir = "` + filepath.Join(dir, "data") + `"

[slots]
capacity = 3

[dispatch]
queue_depth = 64
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	origConfig := *Config
	defer func() { *Config = origConfig }()

	require.NoError(t, Load(path))
	assert.Equal(t, uint64(7), Config.NodeID)
	assert.Equal(t, 3, Config.Slots.Capacity)
	assert.Equal(t, 64, Config.Dispatch.QueueDepth)
	assert.DirExists(t, Config.DataDir)
}
