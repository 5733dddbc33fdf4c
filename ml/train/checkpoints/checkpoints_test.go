package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/H3c-t0r/lightning/ml/train"
	"github.com/H3c-t0r/lightning/ml/train/optimizers"
	"github.com/H3c-t0r/lightning/ml/train/results"
	"github.com/H3c-t0r/lightning/ml/train/rngstate"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ckptModule is a single-weight module used to exercise save and restore.
type ckptModule struct {
	params []float64
	sgd    *optimizers.SGD
	steps  int
}

func (m *ckptModule) TrainingStep(batch train.Batch, step train.StepContext) (results.StepOutput, error) {
	m.steps++
	loss := tensors.FromScalar(1.0)
	step.ScaleLoss(loss)
	m.sgd.AccumulateGrads([]float64{1})
	return results.LossOnly{Loss: loss}, nil
}

func (m *ckptModule) StateDict() map[string][]float64 {
	return map[string][]float64{"w": append([]float64(nil), m.params...)}
}

func (m *ckptModule) LoadStateDict(state map[string][]float64) error {
	copy(m.params, state["w"])
	return nil
}

func (m *ckptModule) HyperParameters() map[string]any {
	return map[string]any{"lr": 0.1}
}

type fixture struct {
	module  *ckptModule
	wrapper *optimizers.Wrapper
	sched   *optimizers.StepDecay
	loop    *train.FitLoop
}

func newFixture(maxEpochs int, maxSteps int64, numBatches int) *fixture {
	m := &ckptModule{params: []float64{0}}
	m.sgd = optimizers.NewSGD(m.params, 0.1, 0)
	wrapper := optimizers.NewWrapper(m.sgd, optimizers.Config{})
	sched := optimizers.NewStepDecay(m.sgd, 100, 0.5)
	epochLoop := train.NewTrainingEpochLoop(m, train.EpochLoopConfig{
		Optimizers: []*optimizers.Wrapper{wrapper},
		MaxSteps:   maxSteps,
	})
	batches := make([]train.Batch, numBatches)
	for ii := range batches {
		batches[ii] = 1.0
	}
	loop := train.NewFitLoop(m, epochLoop, train.NewSliceDataset(batches...), train.FitLoopConfig{
		MaxEpochs:  maxEpochs,
		MaxSteps:   maxSteps,
		Schedulers: []optimizers.Scheduler{sched},
	})
	return &fixture{module: m, wrapper: wrapper, sched: sched, loop: loop}
}

func TestDumpCheckpointKeysAndOffsets(t *testing.T) {
	f := newFixture(3, 0, 3)
	require.NoError(t, f.loop.Run())

	connector := NewConnector(f.loop, ConnectorConfig{RNG: rngstate.FromSeed(42)})
	ckpt := connector.DumpCheckpoint(false)
	// Epoch and global step are stored one past their save-time values.
	assert.Equal(t, int64(4), ckpt.Epoch)
	assert.Equal(t, int64(10), ckpt.GlobalStep)
	assert.Equal(t, Version, ckpt.Version)
	assert.Len(t, ckpt.OptimizerStates, 1)
	assert.Len(t, ckpt.LRSchedulers, 1)
	require.NotNil(t, ckpt.Loops)
	assert.Equal(t, int64(3), ckpt.Loops.Epoch.Total.Completed)
	assert.Equal(t, map[string]any{"lr": 0.1}, ckpt.HyperParameters)

	data, err := json.Marshal(ckpt)
	require.NoError(t, err)
	for _, key := range []string{
		`"epoch"`, `"global_step"`, `"lightning_version"`, `"optimizer_states"`,
		`"lr_schedulers"`, `"state_dict"`, `"hyper_parameters"`, `"loops"`, `"rng_state"`,
	} {
		assert.Contains(t, string(data), key)
	}
}

func TestDumpDoesNotBumpEpochWhenMaxStepsInterrupts(t *testing.T) {
	f := newFixture(3, 5, 3) // Interrupted 2 batches into the second epoch.
	require.NoError(t, f.loop.Run())
	connector := NewConnector(f.loop, ConnectorConfig{})
	ckpt := connector.DumpCheckpoint(false)
	assert.Equal(t, int64(1), ckpt.Epoch)
	assert.Equal(t, int64(6), ckpt.GlobalStep)
}

func TestDumpDoesNotBumpEpochWhenMaxStepsEndsOnLastBatch(t *testing.T) {
	f := newFixture(3, 3, 3) // The step bound lands on the first epoch's last batch.
	require.NoError(t, f.loop.Run())
	connector := NewConnector(f.loop, ConnectorConfig{})
	ckpt := connector.DumpCheckpoint(false)
	// The step bound, not the epoch bound, ended the run: the epoch is
	// stored as-is even though the epoch happens to have completed.
	assert.Equal(t, f.loop.CurrentEpoch(), ckpt.Epoch)
	assert.Equal(t, int64(1), ckpt.Epoch)
	assert.Equal(t, int64(4), ckpt.GlobalStep)
}

// toyDatamodule carries a resumable data-pipeline position.
type toyDatamodule struct {
	position float64
}

func (d *toyDatamodule) StateDict() map[string]float64 {
	return map[string]float64{"position": d.position}
}

func (d *toyDatamodule) LoadStateDict(state map[string]float64) error {
	d.position = state["position"]
	return nil
}

func TestDatamoduleStateRoundTrip(t *testing.T) {
	f := newFixture(2, 0, 2)
	require.NoError(t, f.loop.Run())
	dm := &toyDatamodule{position: 4}
	ckpt := NewConnector(f.loop, ConnectorConfig{Datamodule: dm}).DumpCheckpoint(false)
	require.NotNil(t, ckpt.Datamodule)

	data, err := json.Marshal(ckpt)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"datamodule"`)

	restored := newFixture(4, 0, 2)
	restoredDM := &toyDatamodule{}
	connector := NewConnector(restored.loop, ConnectorConfig{Datamodule: restoredDM})
	require.NoError(t, connector.RestoreTrainingState(ckpt))
	assert.Equal(t, 4.0, restoredDM.position)
}

func TestWeightsOnlyCheckpointCannotResume(t *testing.T) {
	f := newFixture(2, 0, 2)
	require.NoError(t, f.loop.Run())
	connector := NewConnector(f.loop, ConnectorConfig{})
	ckpt := connector.DumpCheckpoint(true)
	assert.Nil(t, ckpt.OptimizerStates)
	assert.Nil(t, ckpt.Loops)

	restored := newFixture(2, 0, 2)
	err := NewConnector(restored.loop, ConnectorConfig{}).RestoreTrainingState(ckpt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only the model weights")

	// The weights themselves are restorable.
	require.NoError(t, NewConnector(restored.loop, ConnectorConfig{}).RestoreWeights(ckpt))
	assert.Equal(t, f.module.params, restored.module.params)
}

func TestDecodeRejectsDeprecatedKeys(t *testing.T) {
	_, err := Decode([]byte(`{"epoch": 1, "checkpoint_callback_best": 0.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deprecated")
}

func TestRestoreRejectsExhaustedMaxEpochs(t *testing.T) {
	f := newFixture(2, 0, 2)
	require.NoError(t, f.loop.Run())
	ckpt := NewConnector(f.loop, ConnectorConfig{}).DumpCheckpoint(false)

	restored := newFixture(2, 0, 2)
	err := NewConnector(restored.loop, ConnectorConfig{}).RestoreTrainingState(ckpt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_epochs")
}

func TestHandlerSaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	// Interrupted run: 3 epochs of 3 batches wanted, stopped at step 5.
	f := newFixture(3, 5, 3)
	connector := NewConnector(f.loop, ConnectorConfig{RNG: rngstate.FromSeed(7)})
	handler, err := Build(connector).Dir(dir).Keep(2).Done()
	require.NoError(t, err)
	handler.AttachTo(f.loop)
	require.NoError(t, f.loop.Run())

	has, err := handler.HasCheckpoints()
	require.NoError(t, err)
	require.True(t, has)

	// Resume into a fresh loop hierarchy bound only by epochs.
	restored := newFixture(3, 0, 3)
	restoredConnector := NewConnector(restored.loop, ConnectorConfig{})
	restoredHandler, err := Build(restoredConnector).Dir(dir).Keep(2).Done()
	require.NoError(t, err)
	ok, err := restoredHandler.Restore()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, connector.RunID(), restoredConnector.RunID(), "the run identity survives the restart")

	require.NoError(t, restored.loop.Run())
	assert.Equal(t, int64(3), restored.loop.CurrentEpoch())
	assert.Equal(t, int64(9), restored.loop.GlobalStep())
	// 5 steps before the interruption, 4 after: the weight saw all 9.
	assert.InDelta(t, -0.9, restored.module.params[0], 1e-9)
	assert.Equal(t, 4, restored.module.steps)
}

func TestHandlerPrunesOldCheckpoints(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(5, 0, 1)
	connector := NewConnector(f.loop, ConnectorConfig{})
	handler, err := Build(connector).Dir(dir).Keep(2).Done()
	require.NoError(t, err)
	handler.AttachTo(f.loop)
	require.NoError(t, f.loop.Run())

	checkpoints, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)
}

func TestHandlerLoadLatestEmptyDir(t *testing.T) {
	f := newFixture(1, 0, 1)
	handler := Build(NewConnector(f.loop, ConnectorConfig{})).Dir(t.TempDir()).MustDone()
	ckpt, err := handler.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, ckpt)

	ok, err := handler.Restore()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildRequiresDir(t *testing.T) {
	f := newFixture(1, 0, 1)
	_, err := Build(NewConnector(f.loop, ConnectorConfig{})).Done()
	assert.Error(t, err)
}

func TestDecodeRoundTripThroughDisk(t *testing.T) {
	f := newFixture(1, 0, 2)
	require.NoError(t, f.loop.Run())
	ckpt := NewConnector(f.loop, ConnectorConfig{RNG: rngstate.FromSeed(3)}).DumpCheckpoint(false)
	data, err := json.MarshalIndent(ckpt, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	read, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := Decode(read)
	require.NoError(t, err)
	assert.Equal(t, ckpt.Epoch, decoded.Epoch)
	assert.Equal(t, ckpt.GlobalStep, decoded.GlobalStep)
	assert.Equal(t, ckpt.StateDict, decoded.StateDict)
	require.NotNil(t, decoded.RNGState)
	assert.Equal(t, int64(3), decoded.RNGState.BaseSeed)
}
