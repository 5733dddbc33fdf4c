package results

import (
	"github.com/H3c-t0r/lightning/ml/train/distributed"
	"github.com/H3c-t0r/lightning/types/tensors"
	xmaps "golang.org/x/exp/maps"
	xslices "golang.org/x/exp/slices"
)

// EpochStore aggregates one HookStore per originating hook name over one
// epoch. The loop appends step outputs into it tagged with the current
// coordinates, and flips SetBatchLoopFinished at the epoch boundary, which
// triggers the (idempotent) reduction of every hook store.
type EpochStore struct {
	strategy distributed.Strategy

	stores map[string]*HookStore

	batchLoopFinished bool

	// callbackMetrics accumulates everything surfaced so far: latest batch
	// metrics while the batch loop runs, reduced epoch metrics afterwards.
	// Validation loops merge their reduced metrics into the same map.
	callbackMetrics map[string]*tensors.Tensor
}

// NewEpochStore creates a store synchronizing through the given strategy.
// A nil strategy behaves like single-device training.
func NewEpochStore(strategy distributed.Strategy) *EpochStore {
	return &EpochStore{
		strategy:        strategy,
		stores:          make(map[string]*HookStore),
		callbackMetrics: make(map[string]*tensors.Tensor),
	}
}

// Append buffers the metric entries of one step output under the given hook
// name. Outputs that logged nothing are skipped silently.
func (s *EpochStore) Append(hookName string, output StepOutput, dataloaderIdx int, info *BatchInfo) {
	entries := output.MetricEntries()
	if len(entries) == 0 {
		return
	}
	store, found := s.stores[hookName]
	if !found {
		store = NewHookStore(hookName)
		s.stores[hookName] = store
	}
	store.Append(entries, dataloaderIdx, info)

	for name, value := range store.BatchLogMetrics() {
		s.callbackMetrics[name] = value
	}
}

// hookNames returns the hook names in deterministic order.
func (s *EpochStore) hookNames() []string {
	names := xmaps.Keys(s.stores)
	xslices.Sort(names)
	return names
}

// HasReduced reports whether every hook store has already been reduced.
func (s *EpochStore) HasReduced() bool {
	for _, store := range s.stores {
		if !store.HasReduced() {
			return false
		}
	}
	return true
}

// AutoReduceOnEpochEnd reduces every hook store. Idempotent.
func (s *EpochStore) AutoReduceOnEpochEnd() error {
	for _, name := range s.hookNames() {
		if err := s.stores[name].AutoReduceOnEpochEnd(s.strategy); err != nil {
			return err
		}
	}
	return nil
}

// SetBatchLoopFinished signals that the batch loop of the epoch completed:
// all buffered entries are reduced (once) and the reduced epoch metrics are
// merged into the callback metrics.
func (s *EpochStore) SetBatchLoopFinished() error {
	if err := s.AutoReduceOnEpochEnd(); err != nil {
		return err
	}
	s.batchLoopFinished = true
	for name, value := range s.EpochLogMetrics() {
		s.callbackMetrics[name] = value
	}
	return nil
}

// BatchLoopFinished reports whether the epoch's batch loop completed.
func (s *EpochStore) BatchLoopFinished() bool { return s.batchLoopFinished }

// LatestBatchLogMetrics unions the latest on-step metrics of every hook.
func (s *EpochStore) LatestBatchLogMetrics() map[string]*tensors.Tensor {
	metrics := make(map[string]*tensors.Tensor)
	for _, name := range s.hookNames() {
		for key, value := range s.stores[name].BatchLogMetrics() {
			metrics[key] = value
		}
	}
	return metrics
}

// LatestBatchProgressMetrics unions the latest on-step progress metrics of
// every hook.
func (s *EpochStore) LatestBatchProgressMetrics() map[string]*tensors.Tensor {
	metrics := make(map[string]*tensors.Tensor)
	for _, name := range s.hookNames() {
		for key, value := range s.stores[name].BatchProgressMetrics() {
			metrics[key] = value
		}
	}
	return metrics
}

// EpochLogMetrics unions the reduced on-epoch metrics of every hook.
func (s *EpochStore) EpochLogMetrics() map[string]*tensors.Tensor {
	metrics := make(map[string]*tensors.Tensor)
	for _, name := range s.hookNames() {
		for key, value := range s.stores[name].EpochLogMetrics() {
			metrics[key] = value
		}
	}
	return metrics
}

// EpochProgressMetrics unions the reduced on-epoch progress metrics of every
// hook.
func (s *EpochStore) EpochProgressMetrics() map[string]*tensors.Tensor {
	metrics := make(map[string]*tensors.Tensor)
	for _, name := range s.hookNames() {
		for key, value := range s.stores[name].EpochProgressMetrics() {
			metrics[key] = value
		}
	}
	return metrics
}

// CallbackMetrics returns the merged metrics visible to callbacks. External
// loops (e.g. validation) may merge their own reduced metrics into it via
// MergeCallbackMetrics.
func (s *EpochStore) CallbackMetrics() map[string]*tensors.Tensor {
	return s.callbackMetrics
}

// MergeCallbackMetrics merges the given metrics into the callback-visible
// map.
func (s *EpochStore) MergeCallbackMetrics(metrics map[string]*tensors.Tensor) {
	for name, value := range metrics {
		s.callbackMetrics[name] = value
	}
}

// Reset clears the store for a new epoch. Callback metrics survive the
// reset, matching their role as the cross-epoch callback-visible view.
func (s *EpochStore) Reset() {
	s.stores = make(map[string]*HookStore)
	s.batchLoopFinished = false
}
