package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekingIteratorMarksLastBatch(t *testing.T) {
	ds := NewSliceDataset(1.0, 2.0, 3.0)
	it, err := newPeekingIterator(ds)
	require.NoError(t, err)

	var values []float64
	var lasts []bool
	for {
		batch, isLast, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		values = append(values, batch.(float64))
		lasts = append(lasts, isLast)
	}
	assert.Equal(t, []float64{1, 2, 3}, values)
	assert.Equal(t, []bool{false, false, true}, lasts)
}

func TestPeekingIteratorSingleBatchIsLast(t *testing.T) {
	it, err := newPeekingIterator(NewSliceDataset(1.0))
	require.NoError(t, err)
	_, isLast, ok, err := it.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, isLast)
}

func TestPeekingIteratorEmptyDataset(t *testing.T) {
	it, err := newPeekingIterator(NewSliceDataset())
	require.NoError(t, err)
	_, _, ok, err := it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeekingIteratorSkip(t *testing.T) {
	it, err := newPeekingIterator(NewSliceDataset(1.0, 2.0, 3.0, 4.0))
	require.NoError(t, err)
	require.NoError(t, it.Skip(2))
	batch, isLast, ok, err := it.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, isLast)
	assert.Equal(t, 3.0, batch.(float64))

	assert.Error(t, it.Skip(5), "skipping past the end must fail")
}

func TestRunningLossWindow(t *testing.T) {
	rl := NewRunningLoss(3)
	assert.True(t, rl.Mean() != rl.Mean(), "empty running loss must be NaN")
	rl.Add(1)
	rl.Add(2)
	assert.InDelta(t, 1.5, rl.Mean(), 1e-9)
	rl.Add(3)
	rl.Add(10) // Evicts the 1.
	assert.InDelta(t, 5.0, rl.Mean(), 1e-9)
	rl.Reset()
	rl.Add(4)
	assert.InDelta(t, 4.0, rl.Mean(), 1e-9)
}
