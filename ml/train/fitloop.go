package train

import (
	"github.com/H3c-t0r/lightning/ml/train/optimizers"
	"github.com/H3c-t0r/lightning/ml/train/progress"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	xslices "golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// FitLoopConfig configures a FitLoop's duration and validation cadence.
type FitLoopConfig struct {
	// MaxEpochs stops training after this many completed epochs. -1
	// means unbounded, in which case MaxSteps must bound the run. 0
	// defaults to 1000 when MaxSteps does not bound the run.
	MaxEpochs int

	// MinEpochs keeps training for at least this many epochs even after
	// a stop was requested.
	MinEpochs int

	// MaxSteps stops training after this many global steps. <= 0 means
	// unbounded.
	MaxSteps int64

	// MinSteps keeps training for at least this many global steps even
	// after a stop was requested.
	MinSteps int64

	// Validation, when not nil, runs after training epochs.
	Validation *EvalLoop

	// ValEveryNEpochs is the validation cadence. Defaults to 1.
	ValEveryNEpochs int

	// Schedulers are stepped once after every training epoch.
	Schedulers []optimizers.Scheduler
}

// FitLoop drives the whole training run: epochs until a duration bound or a
// requested stop, validation between epochs, scheduler stepping, and the
// hooks tools attach to observe or interrupt the run.
//
// The public attributes are meant for reading; only ShouldStop is meant to
// be set, by callbacks requesting an early end of the run.
type FitLoop struct {
	module    Module
	epochLoop *TrainingEpochLoop
	dataset   Dataset

	maxEpochs, minEpochs int
	maxSteps, minSteps   int64
	valLoop              *EvalLoop
	valEveryNEpochs      int
	schedulers           []optimizers.Scheduler

	// Progress tracks epochs through the run.
	Progress progress.EpochProgress

	// ShouldStop requests the run to end at the next epoch boundary.
	// The request is ignored, and cleared, while MinEpochs or MinSteps
	// have not been met.
	ShouldStop bool

	statefuls  map[string]Stateful
	restarting bool

	onEpochStart *priorityHooks[*hookWithName[OnEpochStartFn]]
	onBatchEnd   *priorityHooks[*hookWithName[OnBatchEndFn]]
	onEpochEnd   *priorityHooks[*hookWithName[OnEpochEndFn]]
	onRunEnd     *priorityHooks[*hookWithName[OnRunEndFn]]
}

// NewFitLoop builds the outer training loop over epochLoop and ds.
func NewFitLoop(module Module, epochLoop *TrainingEpochLoop, ds Dataset, cfg FitLoopConfig) *FitLoop {
	if cfg.MaxEpochs == 0 && cfg.MaxSteps <= 0 {
		cfg.MaxEpochs = 1000
	}
	if cfg.MaxEpochs == -1 && cfg.MaxSteps <= 0 {
		exceptions.Panicf("NewFitLoop: MaxEpochs=-1 requires MaxSteps to bound the run")
	}
	if cfg.MaxEpochs < -1 {
		exceptions.Panicf("NewFitLoop: MaxEpochs must be >= -1, got %d", cfg.MaxEpochs)
	}
	if cfg.ValEveryNEpochs == 0 {
		cfg.ValEveryNEpochs = 1
	}
	return &FitLoop{
		module:          module,
		epochLoop:       epochLoop,
		dataset:         ds,
		maxEpochs:       cfg.MaxEpochs,
		minEpochs:       cfg.MinEpochs,
		maxSteps:        cfg.MaxSteps,
		minSteps:        cfg.MinSteps,
		valLoop:         cfg.Validation,
		valEveryNEpochs: cfg.ValEveryNEpochs,
		schedulers:      cfg.Schedulers,
		statefuls:       make(map[string]Stateful),
		onEpochStart:    newPriorityHooks[*hookWithName[OnEpochStartFn]](),
		onBatchEnd:      newPriorityHooks[*hookWithName[OnBatchEndFn]](),
		onEpochEnd:      newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onRunEnd:        newPriorityHooks[*hookWithName[OnRunEndFn]](),
	}
}

// Module returns the module being trained.
func (l *FitLoop) Module() Module { return l.module }

// EpochLoop returns the inner training epoch loop.
func (l *FitLoop) EpochLoop() *TrainingEpochLoop { return l.epochLoop }

// Schedulers returns the registered learning-rate schedulers.
func (l *FitLoop) Schedulers() []optimizers.Scheduler { return l.schedulers }

// MaxEpochs returns the configured epoch bound, -1 when unbounded.
func (l *FitLoop) MaxEpochs() int { return l.maxEpochs }

// CurrentEpoch returns the number of completed training epochs.
func (l *FitLoop) CurrentEpoch() int64 { return l.Progress.Total.Completed }

// GlobalStep returns the number of completed optimizer steps.
func (l *FitLoop) GlobalStep() int64 { return l.epochLoop.GlobalStep() }

// OnEpochStart registers a hook called before every training epoch.
func (l *FitLoop) OnEpochStart(name string, priority Priority, fn OnEpochStartFn) {
	l.onEpochStart.Add(priority, &hookWithName[OnEpochStartFn]{name: name, fn: fn})
}

// OnBatchEnd registers a hook called after every completed training batch
// with the latest batch metrics.
func (l *FitLoop) OnBatchEnd(name string, priority Priority, fn OnBatchEndFn) {
	l.onBatchEnd.Add(priority, &hookWithName[OnBatchEndFn]{name: name, fn: fn})
}

// OnEpochEnd registers a hook called after every training epoch, and the
// epoch's validation, with the callback metrics. Checkpointing tools hook
// here: the finished epoch is not yet counted as completed when the hook
// runs.
func (l *FitLoop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	l.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnRunEnd registers a hook called once after the run finished.
func (l *FitLoop) OnRunEnd(name string, priority Priority, fn OnRunEndFn) {
	l.onRunEnd.Add(priority, &hookWithName[OnRunEndFn]{name: name, fn: fn})
}

// RegisterStateful adds a named stateful tool (e.g. a callback) whose state
// is carried through checkpoints.
func (l *FitLoop) RegisterStateful(name string, s Stateful) {
	if _, found := l.statefuls[name]; found {
		exceptions.Panicf("RegisterStateful: %q is already registered", name)
	}
	l.statefuls[name] = s
}

// CallbackStates returns the states of all registered stateful tools, keyed
// by their registration names.
func (l *FitLoop) CallbackStates() map[string]map[string]float64 {
	if len(l.statefuls) == 0 {
		return nil
	}
	states := make(map[string]map[string]float64, len(l.statefuls))
	for name, s := range l.statefuls {
		states[name] = s.StateDict()
	}
	return states
}

// LoadCallbackStates restores the registered stateful tools from states.
// States for tools that are not registered are ignored, matching a resumed
// run configured with fewer tools.
func (l *FitLoop) LoadCallbackStates(states map[string]map[string]float64) error {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	xslices.Sort(names)
	for _, name := range names {
		s, found := l.statefuls[name]
		if !found {
			klog.Warningf("Checkpoint carries state for callback %q, which is not registered; ignoring it", name)
			continue
		}
		if err := s.LoadStateDict(states[name]); err != nil {
			return errors.WithMessagef(err, "restoring callback %q", name)
		}
	}
	return nil
}

// Done reports whether the run is over: a duration bound was reached, or a
// stop was requested and the minimum duration has been met.
func (l *FitLoop) Done() bool {
	if l.maxEpochs >= 0 && l.Progress.Total.Completed >= int64(l.maxEpochs) {
		klog.V(1).Infof("Training done: max_epochs=%d reached", l.maxEpochs)
		return true
	}
	if l.epochLoop.MaxStepsReached() {
		klog.V(1).Infof("Training done: max_steps=%d reached", l.maxSteps)
		return true
	}
	if l.ShouldStop {
		metMinEpochs := l.Progress.Total.Completed >= int64(l.minEpochs)
		metMinSteps := l.minSteps <= 0 || l.GlobalStep() >= l.minSteps
		if metMinEpochs && metMinSteps {
			return true
		}
		klog.Infof("Trainer was signaled to stop but the required minimum epochs (%d) or minimum steps (%d) has not been met. Training will continue.", l.minEpochs, l.minSteps)
		l.ShouldStop = false
	}
	return false
}

// Run executes the training run until Done.
func (l *FitLoop) Run() error {
	if l.restarting {
		l.restarting = false
		l.Progress.ResetOnRestart()
	}
	for !l.Done() {
		firstEpoch := l.Progress.Total.Started == 0
		if err := l.runEpoch(); err != nil {
			return err
		}
		if firstEpoch && l.epochLoop.Batch.Total.Completed == 0 {
			klog.Warning("The training dataset yielded no batches, there is nothing to fit")
			break
		}
	}
	var err error
	l.onRunEnd.Enumerate(func(hook *hookWithName[OnRunEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(l)
		if err != nil {
			err = errors.WithMessagef(err, "OnRunEnd(hook %q)", hook.name)
		}
	})
	return err
}

// runEpoch executes one training epoch, its validation, and the epoch's
// hooks. The epoch is not counted as completed when the global step bound
// interrupted it mid-epoch.
func (l *FitLoop) runEpoch() error {
	l.Progress.IncrementReady()
	l.Progress.IncrementStarted()

	var err error
	l.onEpochStart.Enumerate(func(hook *hookWithName[OnEpochStartFn]) {
		if err != nil {
			return
		}
		err = hook.fn(l)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpochStart(hook %q)", hook.name)
		}
	})
	if err != nil {
		return err
	}

	if err := l.epochLoop.Run(l.dataset, l.dispatchBatchEnd); err != nil {
		return err
	}
	l.Progress.IncrementProcessed()

	for _, scheduler := range l.schedulers {
		scheduler.Step()
	}

	if l.valLoop != nil && (l.Progress.Total.Processed%int64(l.valEveryNEpochs)) == 0 {
		valMetrics, err := l.valLoop.Run()
		if err != nil {
			return errors.WithMessagef(err, "validation after epoch %d", l.Progress.Total.Completed)
		}
		l.epochLoop.Results.MergeCallbackMetrics(valMetrics)
	}

	metrics := l.epochLoop.Results.CallbackMetrics()
	l.onEpochEnd.Enumerate(func(hook *hookWithName[OnEpochEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(l, metrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	})
	if err != nil {
		return err
	}

	if l.epochLoop.MaxStepsReached() && !l.epochLoop.Batch.IsLastBatch {
		// Interrupted mid-epoch: the epoch never completed.
		return nil
	}
	l.Progress.IncrementCompleted()
	return nil
}

func (l *FitLoop) dispatchBatchEnd(metrics map[string]*tensors.Tensor) error {
	var err error
	l.onBatchEnd.Enumerate(func(hook *hookWithName[OnBatchEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(l, metrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnBatchEnd(hook %q)", hook.name)
		}
	})
	return err
}

// FitLoopState is the serializable state of a FitLoop and its children.
type FitLoopState struct {
	Epoch     progress.EpochProgress `json:"epoch_progress"`
	EpochLoop EpochLoopState         `json:"epoch_loop"`
}

// StateDict returns the loop hierarchy's progress state for checkpointing.
func (l *FitLoop) StateDict() FitLoopState {
	return FitLoopState{
		Epoch:     l.Progress,
		EpochLoop: l.epochLoop.StateDict(),
	}
}

// LoadStateDict restores the loop hierarchy's progress state and marks the
// loops as restarting.
func (l *FitLoop) LoadStateDict(state FitLoopState) error {
	l.Progress = state.Epoch
	if err := l.epochLoop.LoadStateDict(state.EpochLoop); err != nil {
		return err
	}
	l.restarting = true
	return nil
}

// Restarting reports whether the next Run resumes from restored state.
func (l *FitLoop) Restarting() bool { return l.restarting }
