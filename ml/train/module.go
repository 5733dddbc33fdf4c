package train

import (
	"github.com/H3c-t0r/lightning/ml/train/results"
	"github.com/H3c-t0r/lightning/types/tensors"
)

// StepContext carries the per-call coordinates and hooks a step function
// needs, so modules never reach back into the loops that drive them.
type StepContext struct {
	// BatchIdx is the index of the batch within the current epoch.
	BatchIdx int

	// SplitIdx is the index of the truncated split within the batch, 0
	// when the batch is not split.
	SplitIdx int

	// OptimizerIdx is the position of the optimizer being stepped, in
	// declaration order. Always 0 with a single optimizer.
	OptimizerIdx int

	// IsLastBatch is true for the final batch of the epoch.
	IsLastBatch bool

	// ScaleLoss is the precision backend's loss transform. Apply it to
	// the loss before the backward pass so the gradients carry the loss
	// scale. It is the identity under full precision.
	ScaleLoss func(*tensors.Tensor) *tensors.Tensor
}

// Module is the user-provided model driven by the training loops. The step
// function computes the loss for one batch and accumulates its gradients
// into the optimizer owned by the given OptimizerIdx.
type Module interface {
	// TrainingStep runs one training step. Returning a nil output marks
	// the batch as skipped for this optimizer; a pending accumulation
	// window still flushes.
	TrainingStep(batch Batch, step StepContext) (results.StepOutput, error)

	// StateDict returns the serializable model weights.
	StateDict() map[string][]float64

	// LoadStateDict restores the model weights.
	LoadStateDict(state map[string][]float64) error
}

// Iterator hands out batches on demand. Next returns io.EOF once the
// underlying data ends.
type Iterator interface {
	Next() (Batch, error)
}

// IteratorModule is the user-provided model driven by the IteratorLoop. The
// iteration function receives the raw iterator instead of one pre-fetched
// batch, so a single training iteration may fetch as many batches as it
// needs, e.g. to pipeline work across devices.
type IteratorModule interface {
	// TrainingIteration runs one training iteration, fetching its batches
	// from it. The output must be a results.IteratorStep carrying the
	// is-last flag. Errors from Iterator.Next, io.EOF included, should be
	// returned as-is.
	TrainingIteration(it Iterator, step StepContext) (results.StepOutput, error)

	// StateDict returns the serializable model weights.
	StateDict() map[string][]float64

	// LoadStateDict restores the model weights.
	LoadStateDict(state map[string][]float64) error
}

// ValidationModule is implemented by modules that support a validation pass.
type ValidationModule interface {
	Module

	// ValidationStep evaluates one validation batch. dataloaderIdx
	// identifies the validation dataset when there are several.
	ValidationStep(batch Batch, batchIdx, dataloaderIdx int) (results.StepOutput, error)
}

// BatchSplitter is implemented by modules that train on truncated splits of
// each batch, e.g. backpropagation through time over long sequences. Splits
// are stepped in order within the batch.
type BatchSplitter interface {
	SplitBatch(batch Batch) []Batch
}

// HyperParameters is implemented by modules that want their construction
// arguments stored in checkpoints.
type HyperParameters interface {
	HyperParameters() map[string]any
}

// Stateful is anything with serializable state a checkpoint should carry,
// e.g. callbacks.
type Stateful interface {
	StateDict() map[string]float64
	LoadStateDict(state map[string]float64) error
}
