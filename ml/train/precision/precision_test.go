package precision

import (
	"testing"

	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingScaler struct {
	factors []float64
}

func (r *recordingScaler) ScaleGrads(factor float64) {
	r.factors = append(r.factors, factor)
}

func TestFloat32Passthrough(t *testing.T) {
	backend := NewFloat32()
	loss := tensors.FromScalar(3.25)
	assert.Equal(t, loss, backend.Backward(loss))
	skip, err := backend.PreOptimizerStep(&recordingScaler{})
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Nil(t, backend.StateDict())
}

func TestFloat16ScalerScalesAndUnscales(t *testing.T) {
	s := NewFloat16Scaler()
	scaled := s.Backward(tensors.FromScalar(2.0))
	assert.Equal(t, 2.0*DefaultInitScale, scaled.Scalar())

	opt := &recordingScaler{}
	skip, err := s.PreOptimizerStep(opt)
	require.NoError(t, err)
	assert.False(t, skip)
	require.Len(t, opt.factors, 1)
	assert.Equal(t, 1.0/DefaultInitScale, opt.factors[0])
}

func TestFloat16ScalerBacksOffOnOverflow(t *testing.T) {
	s := NewFloat16Scaler()
	// 1e6 * 2^14 is far outside the fp16 range.
	s.Backward(tensors.FromScalar(1e6))

	opt := &recordingScaler{}
	skip, err := s.PreOptimizerStep(opt)
	require.NoError(t, err)
	assert.True(t, skip, "overflowed step must be skipped")
	assert.Empty(t, opt.factors, "gradients must not be unscaled on a skipped step")

	s.PostOptimizerStep()
	assert.Equal(t, float64(DefaultInitScale)/2, s.Scale())
}

func TestFloat16ScalerGrowsAfterInterval(t *testing.T) {
	s := NewFloat16Scaler()
	s.growthInterval = 3
	for ii := 0; ii < 3; ii++ {
		s.Backward(tensors.FromScalar(1.0))
		_, err := s.PreOptimizerStep(&recordingScaler{})
		require.NoError(t, err)
		s.PostOptimizerStep()
	}
	assert.Equal(t, float64(DefaultInitScale)*2, s.Scale())
}

func TestFloat16ScalerStateRoundTrip(t *testing.T) {
	s := NewFloat16Scaler()
	s.Backward(tensors.FromScalar(1e6))
	_, _ = s.PreOptimizerStep(&recordingScaler{})
	s.PostOptimizerStep()

	restored := NewFloat16Scaler()
	require.NoError(t, restored.LoadStateDict(s.StateDict()))
	assert.Equal(t, s.Scale(), restored.Scale())

	assert.Error(t, restored.LoadStateDict(map[string]float64{"good_steps": 1}))
}
