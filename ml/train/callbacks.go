package train

import (
	"fmt"
	"math"

	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type everyNBatches struct {
	n, count int
	fn       OnBatchEndFn
}

func (eN *everyNBatches) onBatchEnd(loop *FitLoop, metrics map[string]*tensors.Tensor) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, metrics)
}

// EveryNBatches registers a batch-end hook that is called every N batches.
//
// Notice that it does not call `fn` at the last batch (except by
// coincidence).
func EveryNBatches(loop *FitLoop, n int, name string, priority Priority, fn OnBatchEndFn) {
	if n < 1 {
		exceptions.Panicf("EveryNBatches: n must be >= 1, got %d", n)
	}
	eN := &everyNBatches{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNBatches(%d): %s", n, name)
	loop.OnBatchEnd(fullName, priority, eN.onBatchEnd)
}

type everyNEpochs struct {
	n, count int
	fn       OnEpochEndFn
}

func (eN *everyNEpochs) onEpochEnd(loop *FitLoop, metrics map[string]*tensors.Tensor) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, metrics)
}

// EveryNEpochs registers an epoch-end hook that is called every N epochs.
func EveryNEpochs(loop *FitLoop, n int, name string, priority Priority, fn OnEpochEndFn) {
	if n < 1 {
		exceptions.Panicf("EveryNEpochs: n must be >= 1, got %d", n)
	}
	eN := &everyNEpochs{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNEpochs(%d): %s", n, name)
	loop.OnEpochEnd(fullName, priority, eN.onEpochEnd)
}

// EarlyStoppingMode selects the direction in which the monitored metric
// improves.
type EarlyStoppingMode int

const (
	// ModeMin treats smaller monitored values as improvements.
	ModeMin EarlyStoppingMode = iota
	// ModeMax treats larger monitored values as improvements.
	ModeMax
)

// EarlyStopping requests a stop when a monitored metric stops improving
// for Patience consecutive epochs. Its state is carried through
// checkpoints, so a resumed run remembers the best value seen and the
// epochs waited.
type EarlyStopping struct {
	// Monitor is the callback-metric name watched, e.g. "val_loss".
	Monitor string

	// MinDelta is the minimum change that counts as an improvement.
	MinDelta float64

	// Patience is how many epochs without improvement are tolerated.
	Patience int

	// Mode is the improvement direction. Defaults to ModeMin.
	Mode EarlyStoppingMode

	best float64
	wait int
}

// NewEarlyStopping creates the callback watching the given metric.
func NewEarlyStopping(monitor string, patience int) *EarlyStopping {
	if patience < 1 {
		exceptions.Panicf("NewEarlyStopping: patience must be >= 1, got %d", patience)
	}
	return &EarlyStopping{
		Monitor:  monitor,
		Patience: patience,
		best:     math.Inf(1),
	}
}

// Attach registers the callback on loop, both its epoch-end hook and its
// checkpointable state.
func (es *EarlyStopping) Attach(loop *FitLoop) {
	if es.Mode == ModeMax && math.IsInf(es.best, 1) {
		es.best = math.Inf(-1)
	}
	name := fmt.Sprintf("EarlyStopping(%s)", es.Monitor)
	loop.RegisterStateful(name, es)
	loop.OnEpochEnd(name, 0, es.onEpochEnd)
}

func (es *EarlyStopping) onEpochEnd(loop *FitLoop, metrics map[string]*tensors.Tensor) error {
	value, found := metrics[es.Monitor]
	if !found {
		return errors.Errorf("early stopping monitors %q, but the epoch produced no such metric", es.Monitor)
	}
	current := value.Scalar()
	if es.improved(current) {
		es.best = current
		es.wait = 0
		return nil
	}
	es.wait++
	if es.wait >= es.Patience {
		klog.Infof("Early stopping: %q did not improve beyond %g for %d epochs, requesting stop", es.Monitor, es.best, es.wait)
		loop.ShouldStop = true
	}
	return nil
}

func (es *EarlyStopping) improved(current float64) bool {
	if es.Mode == ModeMax {
		return current > es.best+es.MinDelta
	}
	return current < es.best-es.MinDelta
}

// StateDict implements Stateful.
func (es *EarlyStopping) StateDict() map[string]float64 {
	return map[string]float64{
		"best": es.best,
		"wait": float64(es.wait),
	}
}

// LoadStateDict implements Stateful.
func (es *EarlyStopping) LoadStateDict(state map[string]float64) error {
	best, found := state["best"]
	if !found {
		return errors.Errorf("early stopping state is missing the %q key", "best")
	}
	es.best = best
	es.wait = int(state["wait"])
	return nil
}
