package train

import (
	"sort"

	"github.com/H3c-t0r/lightning/types/tensors"
)

// Priority for hooks, the lowest values run first. Defaults to 0, negative
// values are ok.
type Priority int

// OnEpochStartFn is the type of epoch-start hooks.
type OnEpochStartFn func(loop *FitLoop) error

// OnEpochEndFn is the type of epoch-end hooks. metrics are the callback
// metrics after the finished epoch's reduction.
type OnEpochEndFn func(loop *FitLoop, metrics map[string]*tensors.Tensor) error

// OnBatchEndFn is the type of batch-end hooks. metrics are the latest
// batch projections of the training hook.
type OnBatchEndFn func(loop *FitLoop, metrics map[string]*tensors.Tensor) error

// OnRunEndFn is the type of end-of-training hooks.
type OnRunEndFn func(loop *FitLoop) error

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks of type H per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	list := h.hooks[priority]
	list = append(list, hook)
	h.hooks[priority] = list
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
