package train

import (
	"github.com/H3c-t0r/lightning/ml/train/distributed"
	"github.com/H3c-t0r/lightning/ml/train/optimizers"
	"github.com/H3c-t0r/lightning/ml/train/progress"
	"github.com/H3c-t0r/lightning/ml/train/results"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// trainHook is the result-store hook name of the training step.
const trainHook = "train"

// EpochLoopConfig configures a TrainingEpochLoop.
type EpochLoopConfig struct {
	// Optimizers in declaration order. Each batch steps every optimizer,
	// in order. Required unless ManualOptimization is set.
	Optimizers []*optimizers.Wrapper

	// Strategy coordinates metric reduction across workers. Defaults to
	// distributed.SingleDevice.
	Strategy distributed.Strategy

	// MaxSteps ends the epoch early once the global step reaches it.
	// <= 0 means unbounded.
	MaxSteps int64

	// ManualOptimization disables the automatic optimizer stepping: the
	// module steps its own optimizers inside TrainingStep.
	ManualOptimization bool

	// RunningLossWindow is the window of the running training loss shown
	// in progress reporting. Defaults to 20 batches.
	RunningLossWindow int
}

// TrainingEpochLoop runs the batches of one training epoch: it fetches
// batches one ahead so the last batch is known when it is stepped, splits
// batches when the module asks for it, steps every optimizer in declaration
// order, and feeds the step outputs to the epoch's result store.
type TrainingEpochLoop struct {
	module   Module
	wrappers []*optimizers.Wrapper
	strategy distributed.Strategy
	maxSteps int64
	manual   bool

	// Batch tracks batch progress through the run and the current epoch.
	Batch progress.BatchProgress

	// Results collects and reduces the step outputs of the current epoch.
	Results *results.EpochStore

	// RunningLoss is a windowed mean of the recent training losses.
	RunningLoss *RunningLoss

	manualSteps int64
	restarting  bool
}

// NewTrainingEpochLoop builds the epoch loop for module.
func NewTrainingEpochLoop(module Module, cfg EpochLoopConfig) *TrainingEpochLoop {
	if module == nil {
		exceptions.Panicf("NewTrainingEpochLoop: module must not be nil")
	}
	if len(cfg.Optimizers) == 0 && !cfg.ManualOptimization {
		exceptions.Panicf("NewTrainingEpochLoop: at least one optimizer is required with automatic optimization")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = distributed.NewSingleDevice()
	}
	if cfg.RunningLossWindow == 0 {
		cfg.RunningLossWindow = 20
	}
	return &TrainingEpochLoop{
		module:      module,
		wrappers:    cfg.Optimizers,
		strategy:    cfg.Strategy,
		maxSteps:    cfg.MaxSteps,
		manual:      cfg.ManualOptimization,
		Results:     results.NewEpochStore(cfg.Strategy),
		RunningLoss: NewRunningLoss(cfg.RunningLossWindow),
	}
}

// Optimizers returns the optimizer wrappers in declaration order.
func (l *TrainingEpochLoop) Optimizers() []*optimizers.Wrapper { return l.wrappers }

// GlobalStep returns the number of optimizer steps completed since training
// began, summed over all optimizers. Under manual optimization it counts
// completed training steps instead.
func (l *TrainingEpochLoop) GlobalStep() int64 {
	if l.manual {
		return l.manualSteps
	}
	var total int64
	for _, w := range l.wrappers {
		total += w.TotalSteps()
	}
	return total
}

// MaxStepsReached reports whether the global step bound ended the run.
func (l *TrainingEpochLoop) MaxStepsReached() bool {
	return l.maxSteps > 0 && l.GlobalStep() >= l.maxSteps
}

// Run executes one epoch over ds. onBatchEnd, when not nil, is called after
// every completed batch with the latest batch metrics.
//
// On the first epoch after a restored checkpoint the loop fast-forwards ds
// past the batches the interrupted epoch already completed, so no batch is
// trained twice.
func (l *TrainingEpochLoop) Run(ds Dataset, onBatchEnd func(metrics map[string]*tensors.Tensor) error) error {
	if err := ds.Reset(); err != nil {
		return errors.WithMessagef(err, "resetting the training dataset")
	}
	it, err := newPeekingIterator(ds)
	if err != nil {
		return err
	}

	if l.restarting {
		l.restarting = false
		l.Batch.ResetOnRestart()
		for _, w := range l.wrappers {
			w.Progress.ResetOnRestart()
		}
		if skip := int(l.Batch.Current.Completed); skip > 0 {
			if err := it.Skip(skip); err != nil {
				return errors.WithMessagef(err, "fast-forwarding the restored epoch")
			}
		}
	} else {
		l.Batch.ResetCurrent()
		for _, w := range l.wrappers {
			w.Progress.ResetCurrent()
		}
	}
	l.Results.Reset()

	for {
		batch, isLast, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		batchIdx := int(l.Batch.Current.Ready)
		l.Batch.IncrementReady()
		l.Batch.IsLastBatch = isLast
		l.Batch.IncrementStarted()

		if err := l.runBatch(batch, batchIdx, isLast); err != nil {
			return err
		}
		l.Batch.IncrementProcessed()
		l.Batch.IncrementCompleted()

		if onBatchEnd != nil {
			if err := onBatchEnd(l.Results.LatestBatchProgressMetrics()); err != nil {
				return err
			}
		}
		if l.MaxStepsReached() {
			break
		}
	}
	return l.Results.SetBatchLoopFinished()
}

// runBatch steps every optimizer over every split of one batch.
func (l *TrainingEpochLoop) runBatch(batch Batch, batchIdx int, isLast bool) error {
	splits := []Batch{batch}
	if splitter, ok := l.module.(BatchSplitter); ok {
		splits = splitter.SplitBatch(batch)
		if len(splits) == 0 {
			return errors.Errorf("SplitBatch returned no splits for batch %d", batchIdx)
		}
	}
	for splitIdx, split := range splits {
		if l.manual {
			if err := l.runManualStep(split, batchIdx, splitIdx, isLast); err != nil {
				return err
			}
			continue
		}
		for optIdx, w := range l.wrappers {
			closure := l.makeClosure(split, batchIdx, splitIdx, optIdx, isLast)
			loss, err := w.Step(closure, batchIdx, isLast)
			if err != nil {
				return err
			}
			if loss != nil && optIdx == 0 {
				l.RunningLoss.Add(loss.Scalar())
			}
		}
	}
	return nil
}

// makeClosure binds one (split, optimizer) training step into the closure
// the optimizer wrapper drives.
func (l *TrainingEpochLoop) makeClosure(split Batch, batchIdx, splitIdx, optIdx int, isLast bool) optimizers.Closure {
	return func(scaleLoss func(*tensors.Tensor) *tensors.Tensor) (*tensors.Tensor, error) {
		output, err := l.module.TrainingStep(split, StepContext{
			BatchIdx:     batchIdx,
			SplitIdx:     splitIdx,
			OptimizerIdx: optIdx,
			IsLastBatch:  isLast,
			ScaleLoss:    scaleLoss,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "training step (batch %d, split %d, optimizer %d)", batchIdx, splitIdx, optIdx)
		}
		if output == nil {
			return nil, nil
		}
		if _, isIterator := output.(results.IteratorStep); isIterator {
			exceptions.Panicf("the training step returned an iterator-style output; only the iterator loop accepts those")
		}
		l.Results.Append(trainHook, output, 0, &results.BatchInfo{
			OptimizerIdx: optIdx,
			BatchIdx:     batchIdx,
			SplitIdx:     splitIdx,
		})
		return results.LossOf(output), nil
	}
}

// runManualStep runs one training step under manual optimization: the
// module steps its own optimizers, the loop only records the output.
func (l *TrainingEpochLoop) runManualStep(split Batch, batchIdx, splitIdx int, isLast bool) error {
	output, err := l.module.TrainingStep(split, StepContext{
		BatchIdx:    batchIdx,
		SplitIdx:    splitIdx,
		IsLastBatch: isLast,
		ScaleLoss:   func(t *tensors.Tensor) *tensors.Tensor { return t },
	})
	if err != nil {
		return errors.WithMessagef(err, "training step (batch %d, split %d)", batchIdx, splitIdx)
	}
	l.manualSteps++
	if output == nil {
		return nil
	}
	l.Results.Append(trainHook, output, 0, &results.BatchInfo{
		BatchIdx: batchIdx,
		SplitIdx: splitIdx,
	})
	if loss := results.LossOf(output); loss != nil {
		l.RunningLoss.Add(loss.Scalar())
	}
	return nil
}

// EpochLoopState is the serializable state of a TrainingEpochLoop.
type EpochLoopState struct {
	Batch       progress.BatchProgress          `json:"batch_progress"`
	Optimizers  []progress.OptimizationProgress `json:"optim_progress"`
	ManualSteps int64                           `json:"manual_steps"`
}

// StateDict returns the loop's progress state for checkpointing.
func (l *TrainingEpochLoop) StateDict() EpochLoopState {
	state := EpochLoopState{
		Batch:       l.Batch,
		ManualSteps: l.manualSteps,
	}
	for _, w := range l.wrappers {
		state.Optimizers = append(state.Optimizers, w.Progress)
	}
	return state
}

// LoadStateDict restores the loop's progress state and marks the loop as
// restarting, so the next Run resumes instead of starting fresh.
func (l *TrainingEpochLoop) LoadStateDict(state EpochLoopState) error {
	if len(state.Optimizers) != len(l.wrappers) {
		return errors.Errorf("checkpoint has progress for %d optimizers, the loop has %d", len(state.Optimizers), len(l.wrappers))
	}
	l.Batch = state.Batch
	l.manualSteps = state.ManualSteps
	for ii, w := range l.wrappers {
		w.Progress = state.Optimizers[ii]
	}
	l.restarting = true
	return nil
}

// Restarting reports whether the next Run resumes a restored epoch.
func (l *TrainingEpochLoop) Restarting() bool { return l.restarting }
