package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 150, cfg.Processing.MaxLocalizerDicoms)
	assert.Equal(t, 512, cfg.Montage.TileSize)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "nimsdata.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "zip", cfg.Montage.Type)
	assert.Equal(t, 99.5, cfg.Nifti.CalMaxPercentile)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nimsdata.yaml")
	yml := "processing:\n  numCores: 3\nmontage:\n  type: dir\n  tileSize: 256\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Processing.NumCores)
	assert.Equal(t, "dir", cfg.Montage.Type)
	assert.Equal(t, 256, cfg.Montage.TileSize)
	// untouched sections keep their defaults
	assert.Equal(t, 85, cfg.Montage.JPEGQuality)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"badtype.yaml": "montage:\n  type: gif\n",
		"cores.yaml":   "processing:\n  numCores: 0\n",
		"clip.yaml":    "montage:\n  clipLow: 99\n  clipHigh: 20\n",
		"garbage.yaml": "processing: [1, 2\n",
		"memory.yaml":  "processing:\n  memoryFraction: 2\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		_, err := LoadConfig(path)
		assert.Error(t, err, name)
	}
}
