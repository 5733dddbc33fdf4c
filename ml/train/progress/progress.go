// Package progress implements the hierarchical counters used by the training
// loops for resumability bookkeeping.
//
// Each countable unit (batch, epoch, optimizer step) is tracked through four
// monotonically non-decreasing stages: ready, started, processed and
// completed. A crash can therefore be localized to an exact stage, and a
// restart resumes at the last completed boundary.
package progress

import (
	"github.com/gomlx/exceptions"
)

// Counts tracks the four stages of one countable unit.
//
// The invariant Ready >= Started >= Processed >= Completed always holds; the
// Increment* methods must be called in that order per unit.
type Counts struct {
	Ready     int64 `json:"ready"`
	Started   int64 `json:"started"`
	Processed int64 `json:"processed"`
	Completed int64 `json:"completed"`
}

// IncrementReady marks one more unit as ready to be consumed.
func (c *Counts) IncrementReady() { c.Ready++ }

// IncrementStarted marks one more unit as started.
// It panics if no ready unit is pending.
func (c *Counts) IncrementStarted() {
	if c.Started >= c.Ready {
		exceptions.Panicf("progress: IncrementStarted without a pending ready unit (ready=%d, started=%d)", c.Ready, c.Started)
	}
	c.Started++
}

// IncrementProcessed marks one more unit as processed.
// It panics if no started unit is pending.
func (c *Counts) IncrementProcessed() {
	if c.Processed >= c.Started {
		exceptions.Panicf("progress: IncrementProcessed without a pending started unit (started=%d, processed=%d)", c.Started, c.Processed)
	}
	c.Processed++
}

// IncrementCompleted marks one more unit as completed.
// It panics if no processed unit is pending.
func (c *Counts) IncrementCompleted() {
	if c.Completed >= c.Processed {
		exceptions.Panicf("progress: IncrementCompleted without a pending processed unit (processed=%d, completed=%d)", c.Processed, c.Completed)
	}
	c.Completed++
}

// Reset zeroes all four counters.
func (c *Counts) Reset() { *c = Counts{} }

// ResetOnRestart rolls partially executed units back to the last completed
// boundary: any unit that was ready/started/processed but never completed is
// forgotten, so a resumed loop's current position reads consistently.
func (c *Counts) ResetOnRestart() {
	c.Ready = c.Completed
	c.Started = c.Completed
	c.Processed = c.Completed
}

// Tracker tracks a unit both over the whole run (Total) and within the
// current enclosing unit (Current), e.g. batches in the run vs. batches in
// the current epoch.
type Tracker struct {
	Total   Counts `json:"total"`
	Current Counts `json:"current"`
}

// IncrementReady bumps the ready stage of both Total and Current.
func (t *Tracker) IncrementReady() {
	t.Total.IncrementReady()
	t.Current.IncrementReady()
}

// IncrementStarted bumps the started stage of both Total and Current.
func (t *Tracker) IncrementStarted() {
	t.Total.IncrementStarted()
	t.Current.IncrementStarted()
}

// IncrementProcessed bumps the processed stage of both Total and Current.
func (t *Tracker) IncrementProcessed() {
	t.Total.IncrementProcessed()
	t.Current.IncrementProcessed()
}

// IncrementCompleted bumps the completed stage of both Total and Current.
func (t *Tracker) IncrementCompleted() {
	t.Total.IncrementCompleted()
	t.Current.IncrementCompleted()
}

// ResetCurrent resets the Current counters, typically at an epoch boundary.
// Total is never reset.
func (t *Tracker) ResetCurrent() { t.Current.Reset() }

// ResetOnRestart rolls both Total and Current back to their last completed
// boundary.
func (t *Tracker) ResetOnRestart() {
	t.Total.ResetOnRestart()
	t.Current.ResetOnRestart()
}

// BatchProgress tracks batches, plus whether the last fetched batch is the
// final one of the epoch.
type BatchProgress struct {
	Tracker
	IsLastBatch bool `json:"is_last_batch"`
}

// ResetCurrent also clears the last-batch marker.
func (b *BatchProgress) ResetCurrent() {
	b.Tracker.ResetCurrent()
	b.IsLastBatch = false
}

// EpochProgress tracks epochs.
type EpochProgress struct {
	Tracker
}

// OptimizerProgress tracks the optimizer step and zero-grad calls of a
// single optimizer.
type OptimizerProgress struct {
	Step     Tracker `json:"step"`
	ZeroGrad Tracker `json:"zero_grad"`
}

// ResetCurrent resets the per-epoch counters of both trackers.
func (o *OptimizerProgress) ResetCurrent() {
	o.Step.ResetCurrent()
	o.ZeroGrad.ResetCurrent()
}

// ResetOnRestart rolls both trackers back to their completed boundary.
func (o *OptimizerProgress) ResetOnRestart() {
	o.Step.ResetOnRestart()
	o.ZeroGrad.ResetOnRestart()
}

// OptimizationProgress tracks the optimization state across all declared
// optimizers: OptimizerIdx is the position of the optimizer being stepped
// within the current batch.
type OptimizationProgress struct {
	Optimizer    OptimizerProgress `json:"optimizer"`
	OptimizerIdx int               `json:"optimizer_idx"`
}

// TotalOptimizerSteps returns the number of completed optimizer steps since
// training began. This is the "global step" when accumulation > 1.
func (o *OptimizationProgress) TotalOptimizerSteps() int64 {
	return o.Optimizer.Step.Total.Completed
}

// ResetCurrent resets the per-epoch counters.
func (o *OptimizationProgress) ResetCurrent() {
	o.Optimizer.ResetCurrent()
	o.OptimizerIdx = 0
}

// ResetOnRestart rolls the counters back to their completed boundary.
func (o *OptimizationProgress) ResetOnRestart() {
	o.Optimizer.ResetOnRestart()
	o.OptimizerIdx = 0
}
