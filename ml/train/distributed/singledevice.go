package distributed

import (
	"github.com/H3c-t0r/lightning/types/tensors"
)

// SingleDevice is the default strategy: one worker, no communication.
// All collective operations are identities.
type SingleDevice struct{}

// NewSingleDevice returns the strategy for non-distributed training.
func NewSingleDevice() *SingleDevice { return &SingleDevice{} }

// WorldSize implements Strategy.
func (s *SingleDevice) WorldSize() int { return 1 }

// Rank implements Strategy.
func (s *SingleDevice) Rank() int { return 0 }

// AllReduce implements Strategy. With a single worker the reduction of one
// value is the value itself.
func (s *SingleDevice) AllReduce(t *tensors.Tensor, _ ReduceOp) (*tensors.Tensor, error) {
	return t, nil
}

// Broadcast implements Strategy.
func (s *SingleDevice) Broadcast(t *tensors.Tensor, _ int) (*tensors.Tensor, error) {
	return t, nil
}

// Barrier implements Strategy. No-op.
func (s *SingleDevice) Barrier(string) {}

// OptimizerStep implements Strategy by delegating to the optimizer.
func (s *SingleDevice) OptimizerStep(optimizer Stepper) error {
	return optimizer.Step()
}

// BlockBackwardSync implements Strategy. There is nothing to block, fn is
// simply run.
func (s *SingleDevice) BlockBackwardSync(fn func() error) error {
	return fn()
}
