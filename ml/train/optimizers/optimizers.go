// Package optimizers defines the optimizer contract the training loops drive
// and the Wrapper that coordinates one optimizer step: gradient accumulation,
// precision hooks, distributed synchronization and zero-grad bookkeeping.
package optimizers

import (
	"github.com/H3c-t0r/lightning/ml/train/precision"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Optimizer updates parameters from accumulated gradients.
//
// Gradients accumulate across Step-less batches and are only cleared by
// ZeroGrad, which the training loop calls after a real (flushing) step.
type Optimizer interface {
	// Step applies one parameter update from the buffered gradients.
	Step() error

	// ZeroGrad clears the buffered gradients.
	ZeroGrad()

	// ScaleGrads multiplies the buffered gradients by factor. Used by
	// precision backends to unscale before the update.
	ScaleGrads(factor float64)

	// StateDict returns the serializable optimizer state.
	StateDict() map[string][]float64

	// LoadStateDict restores the optimizer state.
	LoadStateDict(state map[string][]float64) error
}

// SGD is a plain stochastic gradient descent optimizer with optional
// momentum, operating on a flat parameter vector it shares with the caller.
type SGD struct {
	params   []float64
	grads    []float64
	buf      []float64
	lr       float64
	momentum float64
}

// NewSGD creates an SGD optimizer over params. The slice is updated in
// place on Step.
func NewSGD(params []float64, lr, momentum float64) *SGD {
	if lr <= 0 {
		exceptions.Panicf("optimizers: learning rate must be positive, got %g", lr)
	}
	return &SGD{
		params:   params,
		grads:    make([]float64, len(params)),
		buf:      make([]float64, len(params)),
		lr:       lr,
		momentum: momentum,
	}
}

// AccumulateGrads adds g into the gradient buffer.
func (s *SGD) AccumulateGrads(g []float64) {
	if len(g) != len(s.grads) {
		exceptions.Panicf("optimizers: gradient size %d does not match parameter size %d", len(g), len(s.grads))
	}
	for ii, v := range g {
		s.grads[ii] += v
	}
}

// Grads returns the current gradient buffer.
func (s *SGD) Grads() []float64 { return s.grads }

// LearningRate returns the current learning rate.
func (s *SGD) LearningRate() float64 { return s.lr }

// SetLearningRate updates the learning rate, typically from a Scheduler.
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

// Step implements Optimizer.
func (s *SGD) Step() error {
	for ii := range s.params {
		s.buf[ii] = s.momentum*s.buf[ii] + s.grads[ii]
		s.params[ii] -= s.lr * s.buf[ii]
	}
	return nil
}

// ZeroGrad implements Optimizer.
func (s *SGD) ZeroGrad() {
	for ii := range s.grads {
		s.grads[ii] = 0
	}
}

// ScaleGrads implements Optimizer.
func (s *SGD) ScaleGrads(factor float64) {
	for ii := range s.grads {
		s.grads[ii] *= factor
	}
}

// StateDict implements Optimizer.
func (s *SGD) StateDict() map[string][]float64 {
	return map[string][]float64{
		"lr":              {s.lr},
		"momentum":        {s.momentum},
		"momentum_buffer": append([]float64(nil), s.buf...),
	}
}

// LoadStateDict implements Optimizer.
func (s *SGD) LoadStateDict(state map[string][]float64) error {
	lr, found := state["lr"]
	if !found || len(lr) != 1 {
		return errors.Errorf("optimizer state is missing the %q key", "lr")
	}
	s.lr = lr[0]
	if m := state["momentum"]; len(m) == 1 {
		s.momentum = m[0]
	}
	if buf := state["momentum_buffer"]; buf != nil {
		if len(buf) != len(s.params) {
			return errors.Errorf("momentum buffer size %d does not match parameter size %d", len(buf), len(s.params))
		}
		copy(s.buf, buf)
	}
	return nil
}

// Scheduler adjusts an optimizer's learning rate over time.
type Scheduler interface {
	// Step advances the schedule by one unit (epoch or optimizer step,
	// depending on how the loop drives it).
	Step()

	// StateDict returns the serializable scheduler state.
	StateDict() map[string]float64

	// LoadStateDict restores the scheduler state.
	LoadStateDict(state map[string]float64) error
}

// LRSettable is the optimizer surface a scheduler needs.
type LRSettable interface {
	LearningRate() float64
	SetLearningRate(lr float64)
}

// StepDecay multiplies the learning rate by Gamma every StepSize steps.
type StepDecay struct {
	optimizer LRSettable
	stepSize  int
	gamma     float64
	count     int
}

// NewStepDecay creates a step-decay schedule over optimizer.
func NewStepDecay(optimizer LRSettable, stepSize int, gamma float64) *StepDecay {
	if stepSize < 1 {
		exceptions.Panicf("optimizers: scheduler step size must be >= 1, got %d", stepSize)
	}
	return &StepDecay{optimizer: optimizer, stepSize: stepSize, gamma: gamma}
}

// Step implements Scheduler.
func (d *StepDecay) Step() {
	d.count++
	if d.count%d.stepSize == 0 {
		d.optimizer.SetLearningRate(d.optimizer.LearningRate() * d.gamma)
	}
}

// StateDict implements Scheduler.
func (d *StepDecay) StateDict() map[string]float64 {
	return map[string]float64{
		"count": float64(d.count),
		"lr":    d.optimizer.LearningRate(),
	}
}

// LoadStateDict implements Scheduler.
func (d *StepDecay) LoadStateDict(state map[string]float64) error {
	count, found := state["count"]
	if !found {
		return errors.Errorf("scheduler state is missing the %q key", "count")
	}
	d.count = int(count)
	if lr, found := state["lr"]; found {
		d.optimizer.SetLearningRate(lr)
	}
	return nil
}

var _ precision.GradScaler = (*SGD)(nil)
