// Package results implements the buffering and reduction of values logged
// during step execution: per-step entries are appended while the batch loop
// runs, reduced exactly once at the epoch boundary (across truncated-backprop
// splits, then across batches, then across distributed workers), and the raw
// buffers are freed so memory stays bounded over a long epoch.
//
// Storage is arena-style: a flat slice of entries, each carrying its
// (dataloader, optimizer, batch, split) coordinates as structured keys, with
// grouping computed on demand at reduction time.
package results

import (
	"github.com/H3c-t0r/lightning/ml/train/distributed"
	"github.com/H3c-t0r/lightning/types/tensors"
)

// CustomReduceFn reduces the buffered values of one metric into a single
// value. Used when none of the declared distributed.ReduceOp operators fit.
type CustomReduceFn func(values []float64) float64

// Entry is one logged named value from one hook invocation.
type Entry struct {
	// Name keys the metric in the projected metric maps.
	Name string

	// Value holds the logged value. Plain scalars are wrapped in a
	// single-element tensor with Synced left false.
	Value *tensors.Tensor

	// Synced marks tensor-valued entries, which are synchronized across
	// distributed workers at epoch reduction. Plain python-style scalars
	// pass through unchanged.
	Synced bool

	// Op is the reduction operator applied across batches and workers.
	// Defaults to mean.
	Op distributed.ReduceOp

	// Custom, if set, replaces Op for the local (batch-level) reduction.
	// Custom-reduced metrics are not synchronized across workers.
	Custom CustomReduceFn

	// OnStep surfaces the latest value in the batch-level projections.
	OnStep bool

	// OnEpoch includes the value in the epoch-level reduction.
	OnEpoch bool

	// Prog surfaces the value in the progress-indicator projections.
	Prog bool

	// Coordinates within the epoch, filled in by the loop when the entry
	// is appended.
	DataloaderIdx int
	OptimizerIdx  int
	BatchIdx      int
	SplitIdx      int
}

// Scalar creates an entry for a plain scalar value: logged on step and on
// epoch, mean-reduced, not synchronized across workers.
func Scalar(name string, value float64) Entry {
	return Entry{
		Name:    name,
		Value:   tensors.FromScalar(value),
		Op:      distributed.ReduceMean,
		OnStep:  true,
		OnEpoch: true,
	}
}

// FromTensor creates an entry for a tensor value: logged on step and on
// epoch, mean-reduced, synchronized across workers at epoch reduction.
func FromTensor(name string, value *tensors.Tensor) Entry {
	return Entry{
		Name:    name,
		Value:   value,
		Synced:  true,
		Op:      distributed.ReduceMean,
		OnStep:  true,
		OnEpoch: true,
	}
}
