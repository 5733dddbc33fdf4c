// Package config loads trainer options from a TOML file and validates them
// before the loops are built, so misconfiguration fails before any work.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Trainer holds the duration, accumulation and checkpointing options of a
// training run.
type Trainer struct {
	// MaxEpochs stops training after this many completed epochs. -1 means
	// unbounded (MaxSteps must bound the run instead). 0 with no MaxSteps
	// defaults to 1000 epochs.
	MaxEpochs int `toml:"max_epochs"`

	// MinEpochs keeps training for at least this many epochs even when an
	// early-stop was requested.
	MinEpochs int `toml:"min_epochs"`

	// MaxSteps stops training after this many optimizer steps. -1 or 0
	// means unbounded.
	MaxSteps int64 `toml:"max_steps"`

	// MinSteps keeps training for at least this many optimizer steps even
	// when an early-stop was requested.
	MinSteps int64 `toml:"min_steps"`

	// AccumulateGradBatches accumulates gradients across this many
	// batches per optimizer step. Defaults to 1.
	AccumulateGradBatches int `toml:"accumulate_grad_batches"`

	// Precision selects the precision backend: "32" (default) or "16".
	Precision string `toml:"precision"`

	// Seed is the base RNG seed. 0 draws a fresh one.
	Seed int64 `toml:"seed"`

	// CheckpointDir is where checkpoints are written. Empty disables
	// checkpointing.
	CheckpointDir string `toml:"checkpoint_dir"`

	// KeepCheckpoints is how many checkpoint files to keep, oldest pruned
	// first. Defaults to 1.
	KeepCheckpoints int `toml:"keep_checkpoints"`

	// LogEveryNBatches throttles per-batch progress reporting. Defaults
	// to 50.
	LogEveryNBatches int `toml:"log_every_n_batches"`
}

// DefaultMaxEpochs applies when neither max_epochs nor max_steps bound the
// run.
const DefaultMaxEpochs = 1000

// Default returns a Trainer with the documented defaults applied.
func Default() Trainer {
	return Trainer{
		MaxEpochs:             DefaultMaxEpochs,
		MaxSteps:              -1,
		AccumulateGradBatches: 1,
		Precision:             "32",
		KeepCheckpoints:       1,
		LogEveryNBatches:      50,
	}
}

// Load reads a TOML trainer configuration from path, applies defaults and
// validates it.
func Load(path string) (Trainer, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Trainer{}, errors.Wrapf(err, "reading trainer configuration from %q", path)
	}
	cfg := Default()
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		return Trainer{}, errors.Wrapf(err, "parsing trainer configuration from %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Trainer{}, errors.WithMessagef(err, "invalid trainer configuration in %q", path)
	}
	return cfg, nil
}

// Validate checks the option combinations that cannot work.
func (t *Trainer) Validate() error {
	if t.MaxEpochs < -1 {
		return errors.Errorf("max_epochs must be >= -1, got %d", t.MaxEpochs)
	}
	if t.MaxEpochs == 0 && t.MaxSteps <= 0 {
		// Neither bound was set, fall back to the documented default.
		t.MaxEpochs = DefaultMaxEpochs
	}
	if t.MaxEpochs == -1 && t.MaxSteps <= 0 {
		return errors.Errorf("max_epochs=-1 requires max_steps to bound the run")
	}
	if t.MinEpochs < 0 {
		return errors.Errorf("min_epochs must be >= 0, got %d", t.MinEpochs)
	}
	if t.MaxEpochs > 0 && t.MinEpochs > t.MaxEpochs {
		return errors.Errorf("min_epochs=%d is larger than max_epochs=%d", t.MinEpochs, t.MaxEpochs)
	}
	if t.MaxSteps > 0 && t.MinSteps > t.MaxSteps {
		return errors.Errorf("min_steps=%d is larger than max_steps=%d", t.MinSteps, t.MaxSteps)
	}
	if t.AccumulateGradBatches < 1 {
		return errors.Errorf("accumulate_grad_batches must be >= 1, got %d", t.AccumulateGradBatches)
	}
	switch t.Precision {
	case "32", "16":
	default:
		return errors.Errorf("precision must be \"32\" or \"16\", got %q", t.Precision)
	}
	if t.KeepCheckpoints < 1 {
		return errors.Errorf("keep_checkpoints must be >= 1, got %d", t.KeepCheckpoints)
	}
	return nil
}
