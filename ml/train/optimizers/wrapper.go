package optimizers

import (
	"github.com/H3c-t0r/lightning/ml/train/distributed"
	"github.com/H3c-t0r/lightning/ml/train/precision"
	"github.com/H3c-t0r/lightning/ml/train/progress"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Closure computes the training-step loss and accumulates its gradients into
// the wrapped optimizer. scaleLoss is the precision backend's loss transform
// and must be applied to the loss before the backward pass so the gradients
// carry the loss scale. The returned loss is the unscaled value, for
// reporting.
type Closure func(scaleLoss func(*tensors.Tensor) *tensors.Tensor) (*tensors.Tensor, error)

// Config configures a Wrapper.
type Config struct {
	// OptimizerIdx is the position of this optimizer in the declaration
	// order, 0 for single-optimizer training.
	OptimizerIdx int

	// Strategy coordinates the step across workers. Defaults to
	// distributed.SingleDevice.
	Strategy distributed.Strategy

	// Precision hooks around the step. Defaults to precision.Float32.
	Precision precision.Backend

	// AccumulateGradBatches is the number of batches whose gradients are
	// accumulated before each real optimizer step. Must be >= 1.
	AccumulateGradBatches int

	// ManualOptimization marks the step function as stepping the
	// optimizer itself. Incompatible with gradient accumulation.
	ManualOptimization bool
}

// Wrapper coordinates one optimizer's step cycle for the training loop:
// it decides per batch whether gradients only accumulate or a real update
// runs, routes the real update through the precision and distributed hooks,
// and keeps the step and zero-grad progress counters.
type Wrapper struct {
	optimizer             Optimizer
	strategy              distributed.Strategy
	precision             precision.Backend
	accumulateGradBatches int
	manual                bool

	// Progress is shared with the enclosing loop for checkpointing.
	Progress progress.OptimizationProgress
}

// NewWrapper wraps optimizer with the step coordination described by cfg.
//
// It panics with a configuration error when gradient accumulation is
// combined with manual optimization: a manually driven step function owns
// the step schedule and the automatic accumulation gate cannot apply.
func NewWrapper(optimizer Optimizer, cfg Config) *Wrapper {
	if cfg.AccumulateGradBatches == 0 {
		cfg.AccumulateGradBatches = 1
	}
	if cfg.AccumulateGradBatches < 1 {
		exceptions.Panicf("optimizers: accumulate_grad_batches must be >= 1, got %d", cfg.AccumulateGradBatches)
	}
	if cfg.ManualOptimization && cfg.AccumulateGradBatches > 1 {
		exceptions.Panicf("optimizers: automatic gradient accumulation is not supported with manual optimization, remove accumulate_grad_batches=%d or step the optimizer from the training step yourself", cfg.AccumulateGradBatches)
	}
	if cfg.Strategy == nil {
		cfg.Strategy = distributed.NewSingleDevice()
	}
	if cfg.Precision == nil {
		cfg.Precision = precision.NewFloat32()
	}
	w := &Wrapper{
		optimizer:             optimizer,
		strategy:              cfg.Strategy,
		precision:             cfg.Precision,
		accumulateGradBatches: cfg.AccumulateGradBatches,
		manual:                cfg.ManualOptimization,
	}
	w.Progress.OptimizerIdx = cfg.OptimizerIdx
	return w
}

// Optimizer returns the wrapped optimizer.
func (w *Wrapper) Optimizer() Optimizer { return w.optimizer }

// ShouldAccumulate reports whether the given batch only accumulates
// gradients. It is false, meaning a real step runs, when the batch closes an
// accumulation window or is the last batch of the epoch.
func (w *Wrapper) ShouldAccumulate(batchIdx int, isLastBatch bool) bool {
	if w.manual {
		return false
	}
	windowClosed := (batchIdx+1)%w.accumulateGradBatches == 0
	return !(windowClosed || isLastBatch)
}

// Step runs one batch's optimization: the closure computes the loss and
// gradients, then either the gradients are left to accumulate (inside the
// strategy's reduced-synchronization block) or a real optimizer step flushes
// them.
//
// A nil closure is substituted with a no-op so the step cycle, including the
// parameter update from previously accumulated gradients, still runs.
func (w *Wrapper) Step(closure Closure, batchIdx int, isLastBatch bool) (*tensors.Tensor, error) {
	if closure == nil {
		closure = func(func(*tensors.Tensor) *tensors.Tensor) (*tensors.Tensor, error) {
			return nil, nil
		}
	}

	if w.ShouldAccumulate(batchIdx, isLastBatch) {
		var loss *tensors.Tensor
		err := w.strategy.BlockBackwardSync(func() error {
			var err error
			loss, err = closure(w.precision.Backward)
			return err
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "accumulating gradients for batch %d", batchIdx)
		}
		return loss, nil
	}

	w.Progress.Optimizer.Step.IncrementReady()
	w.Progress.Optimizer.Step.IncrementStarted()

	loss, err := closure(w.precision.Backward)
	if err != nil {
		return nil, errors.WithMessagef(err, "running the optimizer closure for batch %d", batchIdx)
	}
	w.Progress.Optimizer.Step.IncrementProcessed()

	skip, err := w.precision.PreOptimizerStep(w.optimizer)
	if err != nil {
		return nil, errors.WithMessagef(err, "precision pre-step for batch %d", batchIdx)
	}
	if !skip {
		if err := w.strategy.OptimizerStep(w.optimizer); err != nil {
			return nil, errors.WithMessagef(err, "optimizer step for batch %d", batchIdx)
		}
	}
	w.precision.PostOptimizerStep()
	w.Progress.Optimizer.Step.IncrementCompleted()

	w.zeroGrad()
	return loss, nil
}

// zeroGrad clears the gradients after a flushing step, never mid-window.
func (w *Wrapper) zeroGrad() {
	w.Progress.Optimizer.ZeroGrad.IncrementReady()
	w.Progress.Optimizer.ZeroGrad.IncrementStarted()
	w.optimizer.ZeroGrad()
	w.Progress.Optimizer.ZeroGrad.IncrementProcessed()
	w.Progress.Optimizer.ZeroGrad.IncrementCompleted()
}

// TotalSteps returns the number of completed optimizer steps since training
// began.
func (w *Wrapper) TotalSteps() int64 { return w.Progress.TotalOptimizerSteps() }

// StateDict returns the wrapped optimizer's serializable state.
func (w *Wrapper) StateDict() map[string][]float64 { return w.optimizer.StateDict() }

// LoadStateDict restores the wrapped optimizer's state.
func (w *Wrapper) LoadStateDict(state map[string][]float64) error {
	return w.optimizer.LoadStateDict(state)
}
