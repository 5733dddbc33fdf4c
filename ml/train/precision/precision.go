// Package precision defines the mixed-precision contract the optimizer step
// coordinator drives around the parameter update: loss scaling on backward,
// gradient unscaling before the step, and scale bookkeeping after it.
//
// Two backends are provided: Float32 (the passthrough default) and
// Float16Scaler, a dynamic loss scaler for half-precision training. The
// actual backward computation belongs to the external step function; the
// backends here only transform the values crossing the boundary.
package precision

import (
	"math"

	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// GradScaler is the optimizer surface a precision backend needs to unscale
// gradients before the parameter update.
type GradScaler interface {
	// ScaleGrads multiplies all buffered gradients by factor.
	ScaleGrads(factor float64)
}

// Backend hooks around one optimizer step.
type Backend interface {
	// Backward transforms the loss before the step function's backward
	// pass, e.g. applying loss scaling.
	Backward(loss *tensors.Tensor) *tensors.Tensor

	// PreOptimizerStep runs right before the parameter update, e.g.
	// unscaling the gradients. Returning skip=true means the step must be
	// skipped (gradients overflowed) but still counts as flushed.
	PreOptimizerStep(optimizer GradScaler) (skip bool, err error)

	// PostOptimizerStep runs after the parameter update (or skip), e.g.
	// adjusting the loss scale.
	PostOptimizerStep()

	// StateDict returns the serializable scaler state, nil when the
	// backend is stateless.
	StateDict() map[string]float64

	// LoadStateDict restores the scaler state.
	LoadStateDict(state map[string]float64) error
}

// Float32 is the passthrough backend for full-precision training.
type Float32 struct{}

// NewFloat32 returns the full-precision backend.
func NewFloat32() *Float32 { return &Float32{} }

// Backward implements Backend. Identity.
func (Float32) Backward(loss *tensors.Tensor) *tensors.Tensor { return loss }

// PreOptimizerStep implements Backend. No-op.
func (Float32) PreOptimizerStep(GradScaler) (bool, error) { return false, nil }

// PostOptimizerStep implements Backend. No-op.
func (Float32) PostOptimizerStep() {}

// StateDict implements Backend. Stateless.
func (Float32) StateDict() map[string]float64 { return nil }

// LoadStateDict implements Backend. Stateless, any state is ignored.
func (Float32) LoadStateDict(map[string]float64) error { return nil }

// Float16Scaler implements dynamic loss scaling for half-precision
// training: the loss is multiplied by a scale factor before backward so
// small gradients survive the fp16 representable range, gradients are
// unscaled before the update, and the scale grows after a streak of
// overflow-free steps and backs off when a scaled value leaves the fp16
// range.
type Float16Scaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int

	goodSteps int
	foundInf  bool
}

// DefaultInitScale is the initial loss scale, the largest power of two
// comfortably inside the fp16 range.
const DefaultInitScale = 1 << 14

// NewFloat16Scaler creates a scaler with the usual defaults: initial scale
// 2^14, growth x2 every 2000 overflow-free steps, backoff x0.5 on overflow.
func NewFloat16Scaler() *Float16Scaler {
	return &Float16Scaler{
		scale:          DefaultInitScale,
		growthFactor:   2,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

// Scale returns the current loss scale.
func (s *Float16Scaler) Scale() float64 { return s.scale }

// Backward implements Backend: scales the loss and records whether any
// scaled value overflows the fp16 range.
func (s *Float16Scaler) Backward(loss *tensors.Tensor) *tensors.Tensor {
	flat := loss.Flat()
	scaled := make([]float64, len(flat))
	for ii, v := range flat {
		scaled[ii] = v * s.scale
		half := float16.Fromfloat32(float32(scaled[ii]))
		if half.IsInf(0) || half.IsNaN() || math.IsInf(scaled[ii], 0) {
			s.foundInf = true
		}
	}
	if loss.IsScalar() {
		return tensors.FromScalar(scaled[0])
	}
	return tensors.FromFlat(scaled, loss.Dimensions()...)
}

// PreOptimizerStep implements Backend: unscales the gradients, or requests
// a skipped step when an overflow was recorded.
func (s *Float16Scaler) PreOptimizerStep(optimizer GradScaler) (bool, error) {
	if s.foundInf {
		return true, nil
	}
	optimizer.ScaleGrads(1 / s.scale)
	return false, nil
}

// PostOptimizerStep implements Backend: adjusts the loss scale.
func (s *Float16Scaler) PostOptimizerStep() {
	if s.foundInf {
		s.scale *= s.backoffFactor
		s.goodSteps = 0
		s.foundInf = false
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.growthInterval {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
}

// StateDict implements Backend.
func (s *Float16Scaler) StateDict() map[string]float64 {
	return map[string]float64{
		"scale":      s.scale,
		"good_steps": float64(s.goodSteps),
	}
}

// LoadStateDict implements Backend.
func (s *Float16Scaler) LoadStateDict(state map[string]float64) error {
	scale, found := state["scale"]
	if !found {
		return errors.Errorf("scaler state is missing the %q key", "scale")
	}
	s.scale = scale
	s.goodSteps = int(state["good_steps"])
	return nil
}
