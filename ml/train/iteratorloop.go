package train

import (
	"io"

	"github.com/H3c-t0r/lightning/ml/train/distributed"
	"github.com/H3c-t0r/lightning/ml/train/progress"
	"github.com/H3c-t0r/lightning/ml/train/results"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// IteratorLoopConfig configures an IteratorLoop.
type IteratorLoopConfig struct {
	// Strategy coordinates metric reduction across workers. Defaults to
	// distributed.SingleDevice.
	Strategy distributed.Strategy

	// ManualOptimization must be true: the module steps its own
	// optimizers. The iterator loop has no automatic optimization.
	ManualOptimization bool

	// AccumulateGradBatches must be 0 or 1. Accumulation is an
	// automatic-optimization feature.
	AccumulateGradBatches int

	// MaxSteps ends the run once this many steps completed. <= 0 means
	// the module's is-last flag alone ends the run.
	MaxSteps int64
}

// IteratorLoop is the batch loop for modules that consume their data
// through the raw iterator: each training iteration receives the iterator
// itself, not a pre-fetched batch, and may pull any number of batches from
// it. The module, not the dataset, declares the last step by setting IsLast
// on its IteratorStep output. The dataset may be unbounded.
//
// The loop supports manual optimization only: it never steps optimizers,
// never accumulates gradients and never splits batches.
type IteratorLoop struct {
	module   IteratorModule
	strategy distributed.Strategy
	maxSteps int64

	// Batch tracks step progress.
	Batch progress.BatchProgress

	// Results collects and reduces the step outputs.
	Results *results.EpochStore

	steps int64
}

// NewIteratorLoop builds an iterator-driven batch loop for module.
//
// It panics with a configuration error when the module asks for a feature
// the iterator loop cannot provide: automatic optimization, gradient
// accumulation or batch splitting.
func NewIteratorLoop(module IteratorModule, cfg IteratorLoopConfig) *IteratorLoop {
	if !cfg.ManualOptimization {
		exceptions.Panicf("NewIteratorLoop: the iterator loop requires manual optimization")
	}
	if cfg.AccumulateGradBatches > 1 {
		exceptions.Panicf("NewIteratorLoop: gradient accumulation (accumulate_grad_batches=%d) is not supported by the iterator loop", cfg.AccumulateGradBatches)
	}
	if _, splits := module.(BatchSplitter); splits {
		exceptions.Panicf("NewIteratorLoop: batch splitting is not supported by the iterator loop")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = distributed.NewSingleDevice()
	}
	return &IteratorLoop{
		module:   module,
		strategy: cfg.Strategy,
		maxSteps: cfg.MaxSteps,
		Results:  results.NewEpochStore(cfg.Strategy),
	}
}

// Steps returns the number of completed steps.
func (l *IteratorLoop) Steps() int64 { return l.steps }

// datasetIterator adapts a Dataset to the Iterator handed to the module,
// counting fetches for diagnostics.
type datasetIterator struct {
	ds      Dataset
	fetched int
}

// Next implements Iterator.
func (it *datasetIterator) Next() (Batch, error) {
	batch, err := it.ds.Yield()
	if err != nil {
		return nil, err
	}
	it.fetched++
	return batch, nil
}

// Run drives training iterations over ds until the module signals the last
// step or MaxSteps is reached. Every output must be a results.IteratorStep;
// anything else is a configuration error, because without the is-last flag
// the loop has no termination signal. A module that drains the dataset
// without ever signaling the last step is an error too.
func (l *IteratorLoop) Run(ds Dataset) error {
	if err := ds.Reset(); err != nil {
		return errors.WithMessagef(err, "resetting the dataset")
	}
	l.Batch.ResetCurrent()
	l.Results.Reset()
	it := &datasetIterator{ds: ds}
	for stepIdx := 0; ; stepIdx++ {
		l.Batch.IncrementReady()
		l.Batch.IncrementStarted()

		output, err := l.module.TrainingIteration(it, StepContext{
			BatchIdx:  stepIdx,
			ScaleLoss: func(t *tensors.Tensor) *tensors.Tensor { return t },
		})
		if errors.Cause(err) == io.EOF {
			return errors.Errorf("the dataset ended after %d batches before the module signaled the last step", it.fetched)
		}
		if err != nil {
			return errors.WithMessagef(err, "training iteration %d", stepIdx)
		}
		step, ok := output.(results.IteratorStep)
		if !ok {
			exceptions.Panicf("the iterator loop requires the training iteration to return an iterator output carrying the is-last flag, got %T", output)
		}
		l.Batch.IncrementProcessed()
		l.Results.Append(trainHook, step, 0, &results.BatchInfo{BatchIdx: stepIdx})
		l.steps++
		l.Batch.IsLastBatch = step.IsLast
		l.Batch.IncrementCompleted()

		if step.IsLast || (l.maxSteps > 0 && l.steps >= l.maxSteps) {
			break
		}
	}
	return l.Results.SetBatchLoopFinished()
}
