package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/H3c-t0r/lightning/ml/train"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config is created with Build and configured with the various methods.
// Once finished, call Done and it will output a Handler that saves and
// restores checkpoints through the given Connector.
type Config struct {
	connector *Connector

	dir         string
	keep        int
	weightsOnly bool

	err error
}

// Build creates the configuration for a Handler over connector. After
// configuring the returned Config, call Done:
//
//	handler, err := checkpoints.Build(connector).Dir(dir).Keep(3).Done()
func Build(connector *Connector) *Config {
	return &Config{
		connector: connector,
		keep:      1,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir configures the directory checkpoints are saved to. It is created if
// it does not exist yet. Required.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	return c
}

// DirFromBase configures dir like Dir, resolving a relative dir under
// baseDir.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// TempDir configures a freshly created temporary directory under dir (or
// the default temp directory if dir is empty), with a name starting with
// pattern.
func (c *Config) TempDir(dir, pattern string) *Config {
	tempDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "creating temporary checkpoint directory in %q", dir))
		return c
	}
	return c.Dir(tempDir)
}

// Keep configures the number of checkpoint files to keep; older ones are
// erased after every save. If set to -1 nothing is ever erased. Defaults
// to 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WeightsOnly configures the handler to save only the model weights, not
// the training state. Checkpoints saved this way cannot resume the run.
func (c *Config) WeightsOnly() *Config {
	c.weightsOnly = true
	return c
}

// Done constructs the Handler, creating the checkpoint directory if needed.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", c.dir)
	}
	handler := &Handler{config: c}
	checkpoints, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	handler.count = maxCheckpointCount(checkpoints) + 1
	return handler, nil
}

// MustDone constructs the Handler. It panics on error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler saves and restores checkpoints in its directory, keeping the most
// recent N. See the package documentation for the Build idiom.
type Handler struct {
	config *Config
	count  int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the checkpoint directory.
func (h *Handler) Dir() string { return h.config.dir }

const (
	baseNamePrefix = "checkpoint-"
	nameSuffix     = ".json"
)

// newCheckpointBaseName returns the base name for the next checkpoint file.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.count, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

// ListCheckpoints returns the base names of the checkpoints in the
// directory, oldest first.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, nameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(nameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether any checkpoint was saved yet.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest counter among the saved
// checkpoints, so the next save uses count+1. The input should be the
// output of Handler.ListCheckpoints.
func maxCheckpointCount(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindAllStringSubmatch(name, 1)
		if len(matches) != 1 || len(matches[0]) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[0][1])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Save dumps the current training state to a new checkpoint file and prunes
// checkpoints beyond the configured Keep count.
func (h *Handler) Save() error {
	ckpt := h.config.connector.DumpCheckpoint(h.config.weightsOnly)
	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "%s serializing checkpoint", h)
	}

	baseName := h.newCheckpointBaseName(ckpt.GlobalStep - 1)
	h.count++
	fileName := filepath.Join(h.config.dir, baseName+nameSuffix)
	if err := os.WriteFile(fileName, data, 0o644); err != nil {
		return errors.Wrapf(err, "%s writing checkpoint %q", h, fileName)
	}
	klog.V(1).Infof("Saved checkpoint %q (%s)", fileName, humanize.Bytes(uint64(len(data))))
	return h.prune()
}

// prune erases the oldest checkpoints beyond the Keep count.
func (h *Handler) prune() error {
	if h.config.keep < 0 {
		return nil
	}
	checkpoints, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	for len(checkpoints) > h.config.keep {
		fileName := filepath.Join(h.config.dir, checkpoints[0]+nameSuffix)
		if err := os.Remove(fileName); err != nil {
			return errors.Wrapf(err, "%s pruning checkpoint %q", h, fileName)
		}
		checkpoints = checkpoints[1:]
	}
	return nil
}

// Load reads and decodes the checkpoint with the given base name.
func (h *Handler) Load(baseName string) (*Checkpoint, error) {
	fileName := filepath.Join(h.config.dir, baseName+nameSuffix)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s reading checkpoint %q", h, fileName)
	}
	ckpt, err := Decode(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s decoding checkpoint %q", h, fileName)
	}
	return ckpt, nil
}

// LoadLatest reads the most recent checkpoint, or returns nil when the
// directory has none.
func (h *Handler) LoadLatest() (*Checkpoint, error) {
	checkpoints, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	return h.Load(checkpoints[len(checkpoints)-1])
}

// AttachTo registers the handler on loop so a checkpoint is saved after
// every training epoch. It runs at a late priority so callbacks that log
// metrics or update their state run first and their state is captured.
func (h *Handler) AttachTo(loop *train.FitLoop) {
	loop.OnEpochEnd(h.String(), 100, func(*train.FitLoop, map[string]*tensors.Tensor) error {
		return h.Save()
	})
}

// Restore resumes the connector's loop from the most recent checkpoint, if
// any. It returns whether a checkpoint was restored.
func (h *Handler) Restore() (bool, error) {
	ckpt, err := h.LoadLatest()
	if err != nil || ckpt == nil {
		return false, err
	}
	if err := h.config.connector.RestoreTrainingState(ckpt); err != nil {
		return false, err
	}
	return true, nil
}
