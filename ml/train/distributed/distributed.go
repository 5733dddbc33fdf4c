// Package distributed defines the strategy contract through which the
// training loops talk to a data-parallel backend: collective reductions,
// broadcast, barriers and the actual optimizer parameter update.
//
// The loops only decide when to call these operations; the communication
// mechanism itself is the strategy's concern. Two implementations are
// provided: SingleDevice (the no-op default) and Ring, an in-process
// multi-worker strategy used to exercise distributed semantics in tests.
package distributed

import (
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/gomlx/exceptions"
)

// ReduceOp declares how values from several workers (or several batches) are
// combined into one.
type ReduceOp int

const (
	// ReduceMean averages the values. It is the default for logged metrics.
	ReduceMean ReduceOp = iota

	// ReduceSum adds the values.
	ReduceSum

	// ReduceMax takes the largest value.
	ReduceMax

	// ReduceMin takes the smallest value.
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceMean:
		return "mean"
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	}
	return "invalid"
}

// Combine reduces a non-empty slice of values according to op.
func (op ReduceOp) Combine(values []float64) float64 {
	if len(values) == 0 {
		exceptions.Panicf("ReduceOp(%s).Combine on empty slice", op)
	}
	switch op {
	case ReduceMean:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case ReduceSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	case ReduceMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case ReduceMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	}
	exceptions.Panicf("invalid ReduceOp(%d)", op)
	return 0
}

// Stepper is the minimal surface of an optimizer the strategy needs to
// perform the actual parameter update.
type Stepper interface {
	Step() error
}

// Strategy is the collective-operations contract injected into the loop
// hierarchy. Implementations must be safe for use from their own worker's
// loop-processing goroutine; the loops never share a Strategy across
// workers.
type Strategy interface {
	// WorldSize returns the number of data-parallel workers.
	WorldSize() int

	// Rank returns this worker's index in [0, WorldSize).
	Rank() int

	// AllReduce combines the given tensor with the peers' tensors of the
	// same name using op, and returns the combined tensor. Every worker
	// receives the same result.
	AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error)

	// Broadcast sends src's tensor to every worker.
	Broadcast(t *tensors.Tensor, src int) (*tensors.Tensor, error)

	// Barrier blocks until all workers reached the named synchronization
	// point.
	Barrier(name string)

	// OptimizerStep performs the actual parameter update. Hardware or
	// precision specific strategies may wrap it (e.g. unscaling).
	OptimizerStep(optimizer Stepper) error

	// BlockBackwardSync runs fn with cross-worker gradient synchronization
	// disabled. The training loop uses it for accumulation-only steps, so
	// gradients are not prematurely synchronized before the flushing step.
	BlockBackwardSync(fn func() error) error
}
