package distributed

import (
	"sync"
	"testing"
	"time"

	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceOpCombine(t *testing.T) {
	values := []float64{1, 2, 3, 6}
	assert.Equal(t, 3.0, ReduceMean.Combine(values))
	assert.Equal(t, 12.0, ReduceSum.Combine(values))
	assert.Equal(t, 6.0, ReduceMax.Combine(values))
	assert.Equal(t, 1.0, ReduceMin.Combine(values))
	assert.Panics(t, func() { ReduceMean.Combine(nil) })
}

func TestSingleDeviceIdentity(t *testing.T) {
	s := NewSingleDevice()
	in := tensors.FromScalar(3.5)
	out, err := s.AllReduce(in, ReduceMean)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
	assert.Equal(t, 1, s.WorldSize())
}

func TestRingAllReduceMean(t *testing.T) {
	const worldSize = 4
	group := NewRingGroup(worldSize)
	results := make([]float64, worldSize)

	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			worker := group.Worker(rank)
			out, err := worker.AllReduce(tensors.FromScalar(float64(rank)), ReduceMean)
			require.NoError(t, err)
			results[rank] = out.Scalar()
		}(rank)
	}
	wg.Wait()

	// mean(0,1,2,3) == 1.5 on every worker.
	for rank := 0; rank < worldSize; rank++ {
		assert.Equal(t, 1.5, results[rank], "rank %d", rank)
	}
}

func TestRingAllReduceVector(t *testing.T) {
	const worldSize = 2
	group := NewRingGroup(worldSize)
	results := make([]*tensors.Tensor, worldSize)

	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			worker := group.Worker(rank)
			in := tensors.FromFlat([]float64{float64(rank), float64(rank * 10)})
			out, err := worker.AllReduce(in, ReduceSum)
			require.NoError(t, err)
			results[rank] = out
		}(rank)
	}
	wg.Wait()

	want := tensors.FromFlat([]float64{1, 10})
	assert.True(t, results[0].Equal(want))
	assert.True(t, results[1].Equal(want))
}

func TestRingBroadcast(t *testing.T) {
	const worldSize = 3
	group := NewRingGroup(worldSize)
	results := make([]float64, worldSize)

	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			worker := group.Worker(rank)
			out, err := worker.Broadcast(tensors.FromScalar(float64(100+rank)), 1)
			require.NoError(t, err)
			results[rank] = out.Scalar()
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < worldSize; rank++ {
		assert.Equal(t, 101.0, results[rank])
	}
}

func TestRingSequentialCollectives(t *testing.T) {
	const worldSize = 2
	group := NewRingGroup(worldSize)
	sums := make([][]float64, worldSize)

	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			worker := group.Worker(rank)
			for step := 0; step < 5; step++ {
				out, err := worker.AllReduce(tensors.FromScalar(float64(step*(rank+1))), ReduceSum)
				require.NoError(t, err)
				sums[rank] = append(sums[rank], out.Scalar())
			}
		}(rank)
	}
	wg.Wait()

	// Each step k reduces k*1 + k*2 == 3k on both workers.
	want := []float64{0, 3, 6, 9, 12}
	assert.Equal(t, want, sums[0])
	assert.Equal(t, want, sums[1])
}

func TestRingBarrierPanicsOnDesync(t *testing.T) {
	group := NewRingGroup(2)
	w0, w1 := group.Worker(0), group.Worker(1)

	// Worker 0 registers an AllReduce as the group's first collective and
	// blocks waiting for its peer.
	go func() {
		_, _ = w0.AllReduce(tensors.FromScalar(1), ReduceMean)
	}()
	for {
		group.mu.Lock()
		registered := len(group.calls) > 0
		group.mu.Unlock()
		if registered {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Worker 1 arriving at a Barrier instead means the workers diverged.
	assert.Panics(t, func() { w1.Barrier("epoch-end") })

	// A matching contribution unblocks the waiting worker.
	_, _ = group.Worker(1).AllReduce(tensors.FromScalar(2), ReduceMean)
}
