package results

import (
	"github.com/H3c-t0r/lightning/types/tensors"
)

// StepOutput is the tagged result of one step-function invocation. It
// replaces duck-typed dict-or-tensor returns with an explicit sum type,
// validated at the loop boundary:
//
//   - LossOnly: just the loss to minimize.
//   - LossAndMetrics: the loss plus logged metric entries.
//   - IteratorStep: output of a step function that owns dataloader
//     iteration; it must carry the is-last flag, since the loop has no
//     other way to detect exhaustion.
type StepOutput interface {
	// MetricEntries returns the entries logged by this step, possibly nil.
	MetricEntries() []Entry

	stepOutput()
}

// LossOnly is a step output carrying only the loss tensor.
type LossOnly struct {
	Loss *tensors.Tensor
}

// MetricEntries implements StepOutput.
func (LossOnly) MetricEntries() []Entry { return nil }

func (LossOnly) stepOutput() {}

// LossAndMetrics is a step output carrying the loss and logged metrics.
type LossAndMetrics struct {
	Loss    *tensors.Tensor
	Metrics []Entry
}

// MetricEntries implements StepOutput.
func (o LossAndMetrics) MetricEntries() []Entry { return o.Metrics }

func (LossAndMetrics) stepOutput() {}

// IteratorStep is the output of a step function that received the raw
// dataloader iterator. IsLast must report whether the dataloader is
// exhausted.
type IteratorStep struct {
	Metrics []Entry
	IsLast  bool
}

// MetricEntries implements StepOutput.
func (o IteratorStep) MetricEntries() []Entry { return o.Metrics }

func (IteratorStep) stepOutput() {}

// LossOf returns the loss of a step output, or nil for outputs that don't
// carry one (IteratorStep, where optimization is owned by the step
// function).
func LossOf(output StepOutput) *tensors.Tensor {
	switch o := output.(type) {
	case LossOnly:
		return o.Loss
	case LossAndMetrics:
		return o.Loss
	}
	return nil
}
