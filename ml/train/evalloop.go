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

// validationHook is the result-store hook name of the validation step.
const validationHook = "validation"

// EvalLoop runs the validation pass over one or more validation datasets
// and reduces the collected metrics. When several datasets are given, each
// metric name is suffixed with its dataloader index.
type EvalLoop struct {
	module   ValidationModule
	datasets []Dataset
	strategy distributed.Strategy

	// Batch tracks validation batch progress.
	Batch progress.BatchProgress

	// Results collects and reduces the validation step outputs.
	Results *results.EpochStore
}

// NewEvalLoop builds a validation loop over the given datasets.
func NewEvalLoop(module ValidationModule, strategy distributed.Strategy, datasets ...Dataset) *EvalLoop {
	if len(datasets) == 0 {
		exceptions.Panicf("NewEvalLoop: at least one validation dataset is required")
	}
	if strategy == nil {
		strategy = distributed.NewSingleDevice()
	}
	return &EvalLoop{
		module:   module,
		datasets: datasets,
		strategy: strategy,
		Results:  results.NewEpochStore(strategy),
	}
}

// Run evaluates every dataset once and returns the reduced validation
// metrics.
func (l *EvalLoop) Run() (map[string]*tensors.Tensor, error) {
	l.Batch.ResetCurrent()
	l.Results.Reset()
	for dataloaderIdx, ds := range l.datasets {
		if err := l.runDataset(ds, dataloaderIdx); err != nil {
			return nil, err
		}
	}
	if err := l.Results.SetBatchLoopFinished(); err != nil {
		return nil, err
	}
	return l.Results.CallbackMetrics(), nil
}

func (l *EvalLoop) runDataset(ds Dataset, dataloaderIdx int) error {
	if err := ds.Reset(); err != nil {
		return errors.WithMessagef(err, "resetting validation dataset %d", dataloaderIdx)
	}
	for batchIdx := 0; ; batchIdx++ {
		batch, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "fetching validation batch %d of dataset %d", batchIdx, dataloaderIdx)
		}
		l.Batch.IncrementReady()
		l.Batch.IncrementStarted()
		output, err := l.module.ValidationStep(batch, batchIdx, dataloaderIdx)
		if err != nil {
			return errors.WithMessagef(err, "validation step (batch %d, dataset %d)", batchIdx, dataloaderIdx)
		}
		l.Batch.IncrementProcessed()
		if output != nil {
			l.Results.Append(validationHook, output, dataloaderIdx, &results.BatchInfo{BatchIdx: batchIdx})
		}
		l.Batch.IncrementCompleted()
	}
}
