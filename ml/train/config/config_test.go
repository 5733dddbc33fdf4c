package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trainer.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `max_epochs = 3`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxEpochs)
	assert.Equal(t, 1, cfg.AccumulateGradBatches)
	assert.Equal(t, "32", cfg.Precision)
	assert.Equal(t, 1, cfg.KeepCheckpoints)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
max_epochs = -1
max_steps = 500
min_steps = 100
accumulate_grad_batches = 4
precision = "16"
seed = 42
checkpoint_dir = "/tmp/ckpts"
keep_checkpoints = 3
`))
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.MaxEpochs)
	assert.Equal(t, int64(500), cfg.MaxSteps)
	assert.Equal(t, 4, cfg.AccumulateGradBatches)
	assert.Equal(t, "16", cfg.Precision)
	assert.Equal(t, int64(42), cfg.Seed)
}

func TestUnboundedRunWithoutStepsDefaultsEpochs(t *testing.T) {
	cfg := Trainer{Precision: "32", AccumulateGradBatches: 1, KeepCheckpoints: 1}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxEpochs, cfg.MaxEpochs)
}

func TestValidateRejections(t *testing.T) {
	for name, contents := range map[string]string{
		"unbounded":          `max_epochs = -1`,
		"min over max epoch": "max_epochs = 2\nmin_epochs = 5",
		"min over max steps": "max_steps = 10\nmin_steps = 20",
		"bad accumulation":   `accumulate_grad_batches = 0`,
		"bad precision":      `precision = "64"`,
		"bad keep":           `keep_checkpoints = 0`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, contents))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
