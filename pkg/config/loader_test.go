package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_BuiltinDefaults(t *testing.T) {
	cfg, err := Initialize(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Defaults.StuckThresholdSecs)
	assert.Equal(t, 10, cfg.Defaults.AutoModeMaxRounds)
	assert.Equal(t, 10, cfg.Defaults.CopilotMaxSteps)
	assert.Nil(t, cfg.Defaults.GlobalTokenLimit)
}

func TestInitialize_YAMLOverride(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "convoke.yaml"), []byte(`
defaults:
  auto_mode_max_rounds: 25
`), 0o644)
	require.NoError(t, err)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Defaults.AutoModeMaxRounds)
	assert.Equal(t, 120, cfg.Defaults.StuckThresholdSecs, "unset fields keep the built-in default")
}

func TestInitialize_EnvWinsOverYAML(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "convoke.yaml"), []byte(`
defaults:
  auto_mode_max_rounds: 25
`), 0o644)
	require.NoError(t, err)

	t.Setenv("AUTO_MODE_MAX_ROUNDS", "40")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Defaults.AutoModeMaxRounds)
}

func TestInitialize_GlobalTokenLimit(t *testing.T) {
	t.Setenv("GLOBAL_TOKEN_LIMIT", "500000")

	cfg, err := Initialize(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, cfg.Defaults.GlobalTokenLimit)
	assert.Equal(t, int64(500000), *cfg.Defaults.GlobalTokenLimit)
}

func TestInitialize_RejectsNonPositiveStuckThreshold(t *testing.T) {
	t.Setenv("STUCK_THRESHOLD_SECS", "0")

	_, err := Initialize(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidValue)
}
