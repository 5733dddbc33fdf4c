// Package checkpoints saves and restores the full training state: model
// weights, optimizer and scheduler states, precision scaler state, callback
// and datamodule states, the loop progress counters and the RNG state.
//
// A Handler, built with the Build...Done idiom, owns a checkpoint directory
// and keeps the most recent N checkpoints. The Connector translates between
// the live loop hierarchy and the serialized Checkpoint.
package checkpoints

import (
	"encoding/json"

	"github.com/H3c-t0r/lightning/ml/train"
	"github.com/H3c-t0r/lightning/ml/train/precision"
	"github.com/H3c-t0r/lightning/ml/train/rngstate"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Version identifies the checkpoint format producer.
const Version = "0.4.0"

// Checkpoint is the serialized training state. The key names and the
// off-by-one convention of Epoch and GlobalStep are part of the stable
// format: both store the count the run will have at the next boundary, one
// past the value at save time.
type Checkpoint struct {
	Epoch      int64  `json:"epoch"`
	GlobalStep int64  `json:"global_step"`
	Version    string `json:"lightning_version"`

	Callbacks       map[string]map[string]float64 `json:"callbacks,omitempty"`
	Datamodule      map[string]float64            `json:"datamodule,omitempty"`
	OptimizerStates []map[string][]float64        `json:"optimizer_states,omitempty"`
	LRSchedulers    []map[string]float64          `json:"lr_schedulers,omitempty"`
	AmpScalingState map[string]float64            `json:"native_amp_scaling_state,omitempty"`

	StateDict       map[string][]float64 `json:"state_dict"`
	HyperParameters map[string]any       `json:"hyper_parameters,omitempty"`

	Loops    *train.FitLoopState `json:"loops,omitempty"`
	RNGState *rngstate.State     `json:"rng_state,omitempty"`
	RunID    string              `json:"run_id,omitempty"`
}

// deprecatedKeys are keys of long-removed checkpoint formats. Restoring a
// checkpoint carrying one fails with an upgrade hint rather than silently
// dropping state.
var deprecatedKeys = []string{
	"checkpoint_callback_best",
	"checkpoint_callback_best_model_score",
	"checkpoint_callback_best_model_path",
	"early_stop_callback_wait",
	"early_stop_callback_patience",
}

// Decode parses a serialized checkpoint, rejecting deprecated formats.
func Decode(data []byte) (*Checkpoint, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing checkpoint")
	}
	for _, key := range deprecatedKeys {
		if _, found := raw[key]; found {
			return nil, errors.Errorf("checkpoint contains the deprecated key %q; upgrade it with a newer writer before resuming from it", key)
		}
	}
	ckpt := &Checkpoint{}
	if err := json.Unmarshal(data, ckpt); err != nil {
		return nil, errors.Wrapf(err, "parsing checkpoint")
	}
	return ckpt, nil
}

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	// Precision is the precision backend whose scaler state the
	// checkpoints carry. Defaults to precision.Float32 (no state).
	Precision precision.Backend

	// RNG is the run's RNG state.
	RNG rngstate.State

	// Datamodule is the data pipeline whose state, if any, checkpoints
	// carry alongside the callback states. Optional.
	Datamodule train.Stateful

	// RunID identifies the run across interruptions. Defaults to a fresh
	// UUID.
	RunID string
}

// Connector translates between a live FitLoop hierarchy and Checkpoints.
type Connector struct {
	loop       *train.FitLoop
	precision  precision.Backend
	rng        rngstate.State
	datamodule train.Stateful
	runID      string
}

// NewConnector creates a connector for loop.
func NewConnector(loop *train.FitLoop, cfg ConnectorConfig) *Connector {
	if cfg.Precision == nil {
		cfg.Precision = precision.NewFloat32()
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Connector{
		loop:       loop,
		precision:  cfg.Precision,
		rng:        cfg.RNG,
		datamodule: cfg.Datamodule,
		runID:      cfg.RunID,
	}
}

// RunID returns the run identifier stored in every checkpoint.
func (c *Connector) RunID() string { return c.runID }

// DumpCheckpoint captures the current training state. With weightsOnly only
// the model weights and hyper parameters are stored; such a checkpoint can
// seed a new run but cannot resume this one.
//
// Epoch and GlobalStep are stored one past their save-time values: dumping
// happens at the epoch-end boundary, before the epoch counts as completed.
// When the global step bound ended the run the epoch is stored as-is, even
// if the bound happened to land on an epoch's last batch.
func (c *Connector) DumpCheckpoint(weightsOnly bool) *Checkpoint {
	loop := c.loop
	epoch := loop.CurrentEpoch() + 1
	if loop.EpochLoop().MaxStepsReached() {
		epoch = loop.CurrentEpoch()
	}
	ckpt := &Checkpoint{
		Epoch:           epoch,
		GlobalStep:      loop.GlobalStep() + 1,
		Version:         Version,
		StateDict:       loop.Module().StateDict(),
		HyperParameters: hyperParametersOf(loop.Module()),
	}
	if weightsOnly {
		return ckpt
	}

	for _, w := range loop.EpochLoop().Optimizers() {
		ckpt.OptimizerStates = append(ckpt.OptimizerStates, w.StateDict())
	}
	for _, s := range loop.Schedulers() {
		ckpt.LRSchedulers = append(ckpt.LRSchedulers, s.StateDict())
	}
	ckpt.AmpScalingState = c.precision.StateDict()
	ckpt.Callbacks = loop.CallbackStates()
	if c.datamodule != nil {
		ckpt.Datamodule = c.datamodule.StateDict()
	}
	loops := loop.StateDict()
	ckpt.Loops = &loops
	rng := c.rng
	ckpt.RNGState = &rng
	ckpt.RunID = c.runID
	return ckpt
}

func hyperParametersOf(module train.Module) map[string]any {
	if hp, ok := module.(train.HyperParameters); ok {
		return hp.HyperParameters()
	}
	return nil
}

// RestoreWeights loads only the model weights from ckpt.
func (c *Connector) RestoreWeights(ckpt *Checkpoint) error {
	if ckpt.StateDict == nil {
		return errors.Errorf("checkpoint has no model weights")
	}
	return errors.WithMessagef(c.loop.Module().LoadStateDict(ckpt.StateDict), "restoring model weights")
}

// RestoreTrainingState restores the full training state from ckpt, so the
// next FitLoop.Run resumes where the checkpointed run stopped.
//
// A weights-only checkpoint is rejected: it cannot resume a run. A
// checkpoint whose stored epoch already reaches the configured MaxEpochs is
// rejected too, since the resumed run would end immediately. Resuming from
// a checkpoint saved mid-epoch logs a warning, because batches consumed in
// a non-deterministic order may repeat.
func (c *Connector) RestoreTrainingState(ckpt *Checkpoint) error {
	if ckpt.OptimizerStates == nil || ckpt.Loops == nil {
		return errors.Errorf("checkpoint contains only the model weights, it cannot restore the training state; restore with RestoreWeights or save without weightsOnly")
	}
	loop := c.loop
	if maxEpochs := loop.MaxEpochs(); maxEpochs >= 0 && ckpt.Epoch > int64(maxEpochs) {
		return errors.Errorf("checkpoint was saved at epoch %d, past max_epochs=%d; raise max_epochs to resume from it", ckpt.Epoch, maxEpochs)
	}

	if err := c.RestoreWeights(ckpt); err != nil {
		return err
	}
	if err := loop.LoadStateDict(*ckpt.Loops); err != nil {
		return errors.WithMessagef(err, "restoring loop progress")
	}

	wrappers := loop.EpochLoop().Optimizers()
	if len(ckpt.OptimizerStates) != len(wrappers) {
		return errors.Errorf("checkpoint has %d optimizer states, the loop has %d optimizers", len(ckpt.OptimizerStates), len(wrappers))
	}
	for ii, w := range wrappers {
		if err := w.LoadStateDict(ckpt.OptimizerStates[ii]); err != nil {
			return errors.WithMessagef(err, "restoring optimizer %d", ii)
		}
	}
	schedulers := loop.Schedulers()
	if len(ckpt.LRSchedulers) != len(schedulers) {
		return errors.Errorf("checkpoint has %d scheduler states, the loop has %d schedulers", len(ckpt.LRSchedulers), len(schedulers))
	}
	for ii, s := range schedulers {
		if err := s.LoadStateDict(ckpt.LRSchedulers[ii]); err != nil {
			return errors.WithMessagef(err, "restoring scheduler %d", ii)
		}
	}
	if ckpt.AmpScalingState != nil {
		if err := c.precision.LoadStateDict(ckpt.AmpScalingState); err != nil {
			return errors.WithMessagef(err, "restoring the precision scaler")
		}
	}
	if ckpt.Callbacks != nil {
		if err := loop.LoadCallbackStates(ckpt.Callbacks); err != nil {
			return err
		}
	}
	if ckpt.Datamodule != nil && c.datamodule != nil {
		if err := c.datamodule.LoadStateDict(ckpt.Datamodule); err != nil {
			return errors.WithMessagef(err, "restoring the datamodule")
		}
	}
	if ckpt.RNGState != nil {
		c.rng = *ckpt.RNGState
		c.rng.ApplyToProcess()
	}
	if ckpt.RunID != "" {
		c.runID = ckpt.RunID
	}

	if ckpt.Loops.EpochLoop.Batch.Current.Completed != 0 {
		klog.Warningf("Resuming from a checkpoint saved mid-epoch (%d batches into the epoch); if the dataset order is not deterministic, some batches may repeat or be skipped", ckpt.Loops.EpochLoop.Batch.Current.Completed)
	}
	return nil
}
