package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpec(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, 100, c.TargetDelayMS)
	require.Equal(t, 3000, c.Gain)
	require.Equal(t, 0.5, c.LossMultiplier)
	require.Equal(t, 5, c.NumResends)
	require.Equal(t, 4, c.FinResends)
}

func TestLoadFilePartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "utp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("utp_target_delay_ms: 60\nutp_gain: 1500\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 60, cfg.TargetDelayMS)
	require.Equal(t, 1500, cfg.Gain)
	// Untouched keys keep their defaults.
	require.Equal(t, 5, cfg.NumResends)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
