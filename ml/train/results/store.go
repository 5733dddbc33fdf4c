package results

import (
	"fmt"
	"sort"

	"github.com/H3c-t0r/lightning/ml/train/distributed"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/pkg/errors"
)

// BatchInfo carries the training-batch coordinates of an append: which
// optimizer was active, which batch and which truncated-backprop split.
// Evaluation appends pass nil, keying entries by dataloader only.
type BatchInfo struct {
	OptimizerIdx int
	BatchIdx     int
	SplitIdx     int
}

// latestKey identifies the most recent on-step entry of one metric from
// one dataloader.
type latestKey struct {
	name          string
	dataloaderIdx int
}

// HookStore buffers the entries logged during one hook's invocations over
// one epoch, and reduces them exactly once at the epoch boundary.
type HookStore struct {
	hookName string

	entries []Entry
	reduced []Entry

	// latest keeps only the newest on-step entry per metric, so reading
	// the batch metrics after every append does not rescan the epoch's
	// buffer.
	latest map[latestKey]Entry

	hasReduced  bool
	dataloaders map[int]bool
}

// NewHookStore creates an empty store for the given hook name.
func NewHookStore(hookName string) *HookStore {
	return &HookStore{
		hookName:    hookName,
		latest:      make(map[latestKey]Entry),
		dataloaders: make(map[int]bool),
	}
}

// HasReduced reports whether the epoch-end reduction already ran.
func (h *HookStore) HasReduced() bool { return h.hasReduced }

// NumDataloaders returns how many distinct dataloaders logged into this
// store.
func (h *HookStore) NumDataloaders() int { return len(h.dataloaders) }

// Append stamps the coordinates onto the given entries and buffers them. An
// invocation that logged nothing appends nothing and is skipped silently.
func (h *HookStore) Append(entries []Entry, dataloaderIdx int, info *BatchInfo) {
	if len(entries) == 0 {
		return
	}
	h.dataloaders[dataloaderIdx] = true
	for _, entry := range entries {
		entry.DataloaderIdx = dataloaderIdx
		if info != nil {
			entry.OptimizerIdx = info.OptimizerIdx
			entry.BatchIdx = info.BatchIdx
			entry.SplitIdx = info.SplitIdx
		}
		h.entries = append(h.entries, entry)
		if entry.OnStep {
			h.latest[latestKey{entry.Name, dataloaderIdx}] = entry
		}
	}
}

// metricName appends the dataloader suffix when entries from more than one
// dataloader share this store.
func (h *HookStore) metricName(entry Entry) string {
	if len(h.dataloaders) > 1 {
		return fmt.Sprintf("%s/dataloader_idx_%d", entry.Name, entry.DataloaderIdx)
	}
	return entry.Name
}

// BatchLogMetrics returns the latest value of each on-step metric.
func (h *HookStore) BatchLogMetrics() map[string]*tensors.Tensor {
	return h.latestBatchMetrics(func(e Entry) bool { return e.OnStep })
}

// BatchProgressMetrics returns the latest value of each on-step metric
// flagged for the progress indicator.
func (h *HookStore) BatchProgressMetrics() map[string]*tensors.Tensor {
	return h.latestBatchMetrics(func(e Entry) bool { return e.OnStep && e.Prog })
}

func (h *HookStore) latestBatchMetrics(include func(Entry) bool) map[string]*tensors.Tensor {
	metrics := make(map[string]*tensors.Tensor, len(h.latest))
	for _, entry := range h.latest {
		if include(entry) {
			metrics[h.metricName(entry)] = entry.Value
		}
	}
	return metrics
}

// groupKey identifies one reduction group: all buffered values of one metric
// from one dataloader and one optimizer.
type groupKey struct {
	dataloaderIdx int
	optimizerIdx  int
	name          string
}

// AutoReduceOnEpochEnd reduces all buffered entries: first across
// truncated-backprop splits within a batch, then across batches using each
// entry's declared operator, finally synchronizing tensor values across
// distributed workers. It is idempotent (a second call is a no-op) and frees
// the raw per-batch buffers afterwards.
func (h *HookStore) AutoReduceOnEpochEnd(strategy distributed.Strategy) error {
	if h.hasReduced {
		return nil
	}

	groups := make(map[groupKey][]Entry)
	var order []groupKey
	for _, entry := range h.entries {
		key := groupKey{entry.DataloaderIdx, entry.OptimizerIdx, entry.Name}
		if _, found := groups[key]; !found {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.dataloaderIdx != b.dataloaderIdx {
			return a.dataloaderIdx < b.dataloaderIdx
		}
		if a.optimizerIdx != b.optimizerIdx {
			return a.optimizerIdx < b.optimizerIdx
		}
		return a.name < b.name
	})

	for _, key := range order {
		group := groups[key]
		template := group[0]
		if !template.OnEpoch {
			continue
		}

		// Reduce across splits within each batch first ("across time").
		perBatch := make(map[int][]*tensors.Tensor)
		var batchOrder []int
		for _, entry := range group {
			if _, found := perBatch[entry.BatchIdx]; !found {
				batchOrder = append(batchOrder, entry.BatchIdx)
			}
			perBatch[entry.BatchIdx] = append(perBatch[entry.BatchIdx], entry.Value)
		}
		sort.Ints(batchOrder)
		batchValues := make([]*tensors.Tensor, 0, len(batchOrder))
		for _, batchIdx := range batchOrder {
			value, err := reduceTensors(template, perBatch[batchIdx])
			if err != nil {
				return errors.WithMessagef(err, "hook %q, metric %q, batch %d (split reduction)", h.hookName, key.name, batchIdx)
			}
			batchValues = append(batchValues, value)
		}

		// Then across all batches of the epoch.
		value, err := reduceTensors(template, batchValues)
		if err != nil {
			return errors.WithMessagef(err, "hook %q, metric %q (epoch reduction)", h.hookName, key.name)
		}

		// Tensor values are synchronized so every worker reports the same
		// epoch metric. Custom-reduced and plain scalar values pass through.
		if template.Synced && template.Custom == nil && strategy != nil {
			value, err = strategy.AllReduce(value, template.Op)
			if err != nil {
				return errors.WithMessagef(err, "hook %q, metric %q (worker sync)", h.hookName, key.name)
			}
		}

		reduced := template
		reduced.Value = value
		reduced.BatchIdx = 0
		reduced.SplitIdx = 0
		h.reduced = append(h.reduced, reduced)
	}

	// Free the raw buffers, only the reduced summary is retained.
	h.entries = nil
	h.latest = make(map[latestKey]Entry)
	h.hasReduced = true
	return nil
}

// reduceTensors combines values element-wise using the template entry's
// operator (or custom function).
func reduceTensors(template Entry, values []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(values) == 1 {
		return values[0], nil
	}
	size := values[0].Size()
	for _, t := range values[1:] {
		if t.Size() != size {
			return nil, errors.Errorf("cannot reduce %q: value sizes differ (%d vs %d)", template.Name, size, t.Size())
		}
	}
	flat := make([]float64, size)
	column := make([]float64, len(values))
	for ii := 0; ii < size; ii++ {
		for jj, t := range values {
			column[jj] = t.Flat()[ii]
		}
		if template.Custom != nil {
			flat[ii] = template.Custom(column)
		} else {
			flat[ii] = template.Op.Combine(column)
		}
	}
	if values[0].IsScalar() {
		return tensors.FromScalar(flat[0]), nil
	}
	return tensors.FromFlat(flat, values[0].Dimensions()...), nil
}

// EpochLogMetrics returns the reduced value of each on-epoch metric.
// AutoReduceOnEpochEnd must have run.
func (h *HookStore) EpochLogMetrics() map[string]*tensors.Tensor {
	return h.reducedMetrics(func(e Entry) bool { return e.OnEpoch })
}

// EpochProgressMetrics returns the reduced value of each on-epoch metric
// flagged for the progress indicator.
func (h *HookStore) EpochProgressMetrics() map[string]*tensors.Tensor {
	return h.reducedMetrics(func(e Entry) bool { return e.OnEpoch && e.Prog })
}

// ReducedMetrics returns all reduced values.
func (h *HookStore) ReducedMetrics() map[string]*tensors.Tensor {
	return h.reducedMetrics(func(Entry) bool { return true })
}

func (h *HookStore) reducedMetrics(include func(Entry) bool) map[string]*tensors.Tensor {
	metrics := make(map[string]*tensors.Tensor)
	for _, entry := range h.reduced {
		if include(entry) {
			metrics[h.metricName(entry)] = entry.Value
		}
	}
	return metrics
}
