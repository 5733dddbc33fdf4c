package distributed

import (
	"sync"

	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// RingGroup coordinates an in-process group of workers that behave like a
// data-parallel job: every worker runs an identical copy of the loop
// hierarchy, so the n-th collective call of each worker matches the n-th
// call of its peers. Collectives are matched by call order, which is how
// actual collective-communication libraries behave.
//
// RingGroup exists to exercise distributed reduction semantics without a
// real transport; it is used by the loop tests and is suitable for
// simulating workers in a single test process.
type RingGroup struct {
	worldSize int

	mu    sync.Mutex
	cond  *sync.Cond
	calls []*collectiveCall
}

type collectiveCall struct {
	contributions map[int][]float64
	op            ReduceOp
	src           int // for broadcast
	result        []float64
}

// NewRingGroup creates a group for worldSize workers.
func NewRingGroup(worldSize int) *RingGroup {
	if worldSize < 1 {
		exceptions.Panicf("NewRingGroup: worldSize must be >= 1, got %d", worldSize)
	}
	g := &RingGroup{worldSize: worldSize}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Worker returns the strategy handle for the given rank. Each worker
// goroutine must use its own handle.
func (g *RingGroup) Worker(rank int) *RingWorker {
	if rank < 0 || rank >= g.worldSize {
		exceptions.Panicf("RingGroup.Worker: rank %d out of range [0, %d)", rank, g.worldSize)
	}
	return &RingWorker{group: g, rank: rank}
}

// collective contributes flat values to call callIdx and blocks until all
// workers contributed, then returns the combined result.
func (g *RingGroup) collective(callIdx, rank int, flat []float64, op ReduceOp, src int) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for len(g.calls) <= callIdx {
		g.calls = append(g.calls, &collectiveCall{contributions: make(map[int][]float64), op: op, src: src})
	}
	call := g.calls[callIdx]
	if call.op != op || call.src != src {
		return nil, errors.Errorf("mismatched collective call #%d: rank %d used op=%s/src=%d, peers used op=%s/src=%d",
			callIdx, rank, op, src, call.op, call.src)
	}
	call.contributions[rank] = flat

	if len(call.contributions) == g.worldSize {
		call.result = g.combine(call)
		g.cond.Broadcast()
	} else {
		for call.result == nil {
			g.cond.Wait()
		}
	}
	return call.result, nil
}

func (g *RingGroup) combine(call *collectiveCall) []float64 {
	if call.src >= 0 {
		// Broadcast: the source's contribution wins.
		return call.contributions[call.src]
	}
	size := len(call.contributions[0])
	result := make([]float64, size)
	values := make([]float64, 0, g.worldSize)
	for ii := 0; ii < size; ii++ {
		values = values[:0]
		for rank := 0; rank < g.worldSize; rank++ {
			values = append(values, call.contributions[rank][ii])
		}
		result[ii] = call.op.Combine(values)
	}
	return result
}

// RingWorker is one worker's view of a RingGroup. It implements Strategy.
type RingWorker struct {
	group    *RingGroup
	rank     int
	nextCall int

	// BlockedSyncSteps counts closure executions that ran under
	// BlockBackwardSync, observable by tests.
	BlockedSyncSteps int
}

// WorldSize implements Strategy.
func (w *RingWorker) WorldSize() int { return w.group.worldSize }

// Rank implements Strategy.
func (w *RingWorker) Rank() int { return w.rank }

// AllReduce implements Strategy: element-wise reduction of the tensor across
// all workers.
func (w *RingWorker) AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error) {
	callIdx := w.nextCall
	w.nextCall++
	flat, err := w.group.collective(callIdx, w.rank, t.Flat(), op, -1)
	if err != nil {
		return nil, errors.WithMessagef(err, "AllReduce(rank=%d)", w.rank)
	}
	if t.IsScalar() {
		return tensors.FromScalar(flat[0]), nil
	}
	return tensors.FromFlat(flat, t.Dimensions()...), nil
}

// Broadcast implements Strategy: every worker receives src's tensor.
func (w *RingWorker) Broadcast(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	callIdx := w.nextCall
	w.nextCall++
	flat, err := w.group.collective(callIdx, w.rank, t.Flat(), ReduceMean, src)
	if err != nil {
		return nil, errors.WithMessagef(err, "Broadcast(rank=%d, src=%d)", w.rank, src)
	}
	if t.IsScalar() {
		return tensors.FromScalar(flat[0]), nil
	}
	return tensors.FromFlat(flat, t.Dimensions()...), nil
}

// Barrier implements Strategy: blocks until all workers arrive. A
// mismatched collective here means a peer diverged from the shared call
// schedule, which no amount of retrying recovers from.
func (w *RingWorker) Barrier(name string) {
	callIdx := w.nextCall
	w.nextCall++
	if _, err := w.group.collective(callIdx, w.rank, []float64{0}, ReduceSum, -1); err != nil {
		exceptions.Panicf("Barrier(%q, rank=%d): the group is desynchronized: %+v", name, w.rank, err)
	}
}

// OptimizerStep implements Strategy by delegating to the optimizer. A real
// data-parallel backend would have synchronized gradients during backward
// already.
func (w *RingWorker) OptimizerStep(optimizer Stepper) error {
	return optimizer.Step()
}

// BlockBackwardSync implements Strategy. The in-process group has no
// background gradient synchronization to disable, but the call is counted
// so tests can assert accumulation-only steps don't trigger sync.
func (w *RingWorker) BlockBackwardSync(fn func() error) error {
	w.BlockedSyncSteps++
	return fn()
}
