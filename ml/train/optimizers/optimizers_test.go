package optimizers

import (
	"testing"

	"github.com/H3c-t0r/lightning/ml/train/distributed"
	"github.com/H3c-t0r/lightning/ml/train/precision"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constGradClosure returns a closure that accumulates a constant gradient of
// 1 per call into sgd and reports a fixed loss.
func constGradClosure(sgd *SGD) Closure {
	return func(scaleLoss func(*tensors.Tensor) *tensors.Tensor) (*tensors.Tensor, error) {
		loss := tensors.FromScalar(1.0)
		scaleLoss(loss)
		sgd.AccumulateGrads([]float64{1})
		return loss, nil
	}
}

func TestShouldAccumulate(t *testing.T) {
	w := NewWrapper(NewSGD([]float64{0}, 0.1, 0), Config{AccumulateGradBatches: 3})
	// Windows close at batch indices 2, 5, 8, ...
	assert.True(t, w.ShouldAccumulate(0, false))
	assert.True(t, w.ShouldAccumulate(1, false))
	assert.False(t, w.ShouldAccumulate(2, false))
	assert.True(t, w.ShouldAccumulate(3, false))
	// The last batch always flushes, even mid-window.
	assert.False(t, w.ShouldAccumulate(3, true))

	// Without accumulation every batch steps.
	w1 := NewWrapper(NewSGD([]float64{0}, 0.1, 0), Config{})
	assert.False(t, w1.ShouldAccumulate(0, false))
	assert.False(t, w1.ShouldAccumulate(1, false))
}

func TestAccumulationFlushPattern(t *testing.T) {
	params := []float64{10}
	sgd := NewSGD(params, 1, 0)
	w := NewWrapper(sgd, Config{AccumulateGradBatches: 3})

	numBatches := 8
	for batchIdx := 0; batchIdx < numBatches; batchIdx++ {
		isLast := batchIdx == numBatches-1
		_, err := w.Step(constGradClosure(sgd), batchIdx, isLast)
		require.NoError(t, err)
	}

	// Flushes at batches 2 and 5 (full windows of 3) and at the last
	// batch 7 (partial window of 2): 8 gradient units applied in total.
	assert.Equal(t, int64(3), w.TotalSteps())
	assert.Equal(t, 10.0-8.0, params[0])
	assert.Equal(t, []float64{0}, sgd.Grads(), "gradients must be cleared after the last flush")
	assert.Equal(t, w.Progress.Optimizer.Step.Total.Completed, w.Progress.Optimizer.ZeroGrad.Total.Completed,
		"every real step is followed by exactly one zero-grad")
}

func TestGradientsSurviveAccumulationOnlyBatches(t *testing.T) {
	sgd := NewSGD([]float64{0}, 1, 0)
	w := NewWrapper(sgd, Config{AccumulateGradBatches: 4})

	for batchIdx := 0; batchIdx < 3; batchIdx++ {
		_, err := w.Step(constGradClosure(sgd), batchIdx, false)
		require.NoError(t, err)
	}
	assert.Equal(t, []float64{3}, sgd.Grads())
	assert.Equal(t, int64(0), w.TotalSteps())
}

func TestNilClosureStillFlushes(t *testing.T) {
	params := []float64{5}
	sgd := NewSGD(params, 1, 0)
	w := NewWrapper(sgd, Config{AccumulateGradBatches: 2})

	_, err := w.Step(constGradClosure(sgd), 0, false)
	require.NoError(t, err)

	// The step function produced nothing for this batch, but the window
	// closes: the previously accumulated gradient must still be applied.
	loss, err := w.Step(nil, 1, false)
	require.NoError(t, err)
	assert.Nil(t, loss)
	assert.Equal(t, int64(1), w.TotalSteps())
	assert.Equal(t, 4.0, params[0])
}

func TestManualOptimizationRejectsAccumulation(t *testing.T) {
	assert.Panics(t, func() {
		NewWrapper(NewSGD([]float64{0}, 0.1, 0), Config{
			ManualOptimization:    true,
			AccumulateGradBatches: 2,
		})
	})
	// Without accumulation manual optimization is fine, and never gates.
	w := NewWrapper(NewSGD([]float64{0}, 0.1, 0), Config{ManualOptimization: true})
	assert.False(t, w.ShouldAccumulate(0, false))
}

func TestAccumulationRunsUnderBlockedBackwardSync(t *testing.T) {
	group := distributed.NewRingGroup(1)
	worker := group.Worker(0)
	sgd := NewSGD([]float64{0}, 1, 0)
	w := NewWrapper(sgd, Config{AccumulateGradBatches: 2, Strategy: worker})

	for batchIdx := 0; batchIdx < 4; batchIdx++ {
		_, err := w.Step(constGradClosure(sgd), batchIdx, false)
		require.NoError(t, err)
	}
	// Batches 0 and 2 accumulate only; batches 1 and 3 flush outside the
	// blocked-sync path.
	assert.Equal(t, 2, worker.BlockedSyncSteps)
	assert.Equal(t, int64(2), w.TotalSteps())
}

func TestSkippedPrecisionStepLeavesParamsUntouched(t *testing.T) {
	params := []float64{1}
	sgd := NewSGD(params, 1, 0)
	scaler := precision.NewFloat16Scaler()
	w := NewWrapper(sgd, Config{Precision: scaler})

	overflowing := func(scaleLoss func(*tensors.Tensor) *tensors.Tensor) (*tensors.Tensor, error) {
		loss := tensors.FromScalar(1e6)
		scaleLoss(loss)
		sgd.AccumulateGrads([]float64{1})
		return loss, nil
	}
	_, err := w.Step(overflowing, 0, false)
	require.NoError(t, err)

	assert.Equal(t, 1.0, params[0], "an overflowed step must not update parameters")
	assert.Equal(t, []float64{0}, sgd.Grads(), "gradients are still cleared after a skipped step")
	assert.Less(t, scaler.Scale(), float64(precision.DefaultInitScale))
}

func TestTwoOptimizerSequence(t *testing.T) {
	genParams, discParams := []float64{0}, []float64{0}
	gen := NewSGD(genParams, 1, 0)
	disc := NewSGD(discParams, 1, 0)
	wGen := NewWrapper(gen, Config{OptimizerIdx: 0})
	wDisc := NewWrapper(disc, Config{OptimizerIdx: 1})

	for batchIdx := 0; batchIdx < 3; batchIdx++ {
		_, err := wGen.Step(constGradClosure(gen), batchIdx, batchIdx == 2)
		require.NoError(t, err)
		_, err = wDisc.Step(constGradClosure(disc), batchIdx, batchIdx == 2)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), wGen.TotalSteps())
	assert.Equal(t, int64(3), wDisc.TotalSteps())
	assert.Equal(t, -3.0, genParams[0])
	assert.Equal(t, -3.0, discParams[0])
	assert.Equal(t, 0, wGen.Progress.OptimizerIdx)
	assert.Equal(t, 1, wDisc.Progress.OptimizerIdx)
}

func TestSGDMomentumAndState(t *testing.T) {
	params := []float64{0, 0}
	sgd := NewSGD(params, 0.5, 0.9)
	sgd.AccumulateGrads([]float64{1, 2})
	require.NoError(t, sgd.Step())
	assert.Equal(t, []float64{-0.5, -1.0}, params)

	restoredParams := []float64{0, 0}
	restored := NewSGD(restoredParams, 0.1, 0)
	require.NoError(t, restored.LoadStateDict(sgd.StateDict()))
	assert.Equal(t, 0.5, restored.LearningRate())

	assert.Error(t, restored.LoadStateDict(map[string][]float64{"momentum": {0.9}}))
}

func TestStepDecayScheduler(t *testing.T) {
	sgd := NewSGD([]float64{0}, 1, 0)
	sched := NewStepDecay(sgd, 2, 0.5)
	sched.Step()
	assert.Equal(t, 1.0, sgd.LearningRate())
	sched.Step()
	assert.Equal(t, 0.5, sgd.LearningRate())
	sched.Step()
	sched.Step()
	assert.Equal(t, 0.25, sgd.LearningRate())

	other := NewStepDecay(NewSGD([]float64{0}, 1, 0), 2, 0.5)
	require.NoError(t, other.LoadStateDict(sched.StateDict()))
	assert.Equal(t, sched.StateDict(), other.StateDict())
}
