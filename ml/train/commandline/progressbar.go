// Package commandline attaches command-line reporting to a training run: a
// per-epoch progress bar and a styled table of the reduced epoch metrics.
package commandline

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/H3c-t0r/lightning/ml/train"
	"github.com/H3c-t0r/lightning/types/tensors"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progressBar holds the progress bar being displayed for the current epoch.
type progressBar struct {
	bar            *progressbar.ProgressBar
	epochStart     time.Time
	lastEpochSize  int
	headerStyle    lipgloss.Style
	valueStyle     lipgloss.Style
	output         *termenv.Output
	refreshEvery   int
	batchesSinceUI int
}

// AttachProgressBar registers a per-epoch progress bar and an epoch-end
// metrics table on loop. The bar length is taken from the previous epoch's
// batch count; the first epoch shows an unbounded bar.
func AttachProgressBar(loop *train.FitLoop) {
	output := termenv.NewOutput(os.Stdout)
	pBar := &progressBar{
		headerStyle:  lipgloss.NewStyle().Bold(true).Padding(0, 1),
		valueStyle:   lipgloss.NewStyle().Padding(0, 1),
		output:       output,
		refreshEvery: 1,
	}
	loop.OnEpochStart("progress-bar", 0, pBar.onEpochStart)
	loop.OnBatchEnd("progress-bar", 0, pBar.onBatchEnd)
	loop.OnEpochEnd("progress-bar", 0, pBar.onEpochEnd)
	loop.OnRunEnd("progress-bar", 0, pBar.onRunEnd)
}

func (pBar *progressBar) onEpochStart(loop *train.FitLoop) error {
	pBar.epochStart = time.Now()
	numBatches := pBar.lastEpochSize
	if numBatches == 0 {
		numBatches = -1 // Unknown until the first epoch finishes.
	}
	pBar.bar = progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d: ", loop.CurrentEpoch())),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return nil
}

func (pBar *progressBar) onBatchEnd(loop *train.FitLoop, metrics map[string]*tensors.Tensor) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	pBar.batchesSinceUI++
	if pBar.batchesSinceUI < pBar.refreshEvery {
		return nil
	}
	pBar.batchesSinceUI = 0
	if loss := loop.EpochLoop().RunningLoss.Mean(); !math.IsNaN(loss) {
		pBar.bar.Describe(fmt.Sprintf("Epoch %d (loss=%.4f): ", loop.CurrentEpoch(), loss))
	}
	return pBar.bar.Add(pBar.refreshEvery)
}

func (pBar *progressBar) onEpochEnd(loop *train.FitLoop, metrics map[string]*tensors.Tensor) error {
	if pBar.bar != nil {
		_ = pBar.bar.Finish()
		pBar.bar = nil
	}
	pBar.lastEpochSize = int(loop.EpochLoop().Batch.Current.Completed)
	fmt.Println()
	pBar.printMetricsTable(loop, metrics)
	return nil
}

func (pBar *progressBar) onRunEnd(loop *train.FitLoop) error {
	fmt.Printf("Training finished after %d epochs, %s steps.\n",
		loop.CurrentEpoch(), humanize.Comma(loop.GlobalStep()))
	return nil
}

// printMetricsTable renders the epoch's callback metrics, sorted by name.
func (pBar *progressBar) printMetricsTable(loop *train.FitLoop, metrics map[string]*tensors.Tensor) {
	if len(metrics) == 0 {
		return
	}
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return pBar.headerStyle
			}
			return pBar.valueStyle
		}).
		Headers("Metric", fmt.Sprintf("Epoch %d", loop.CurrentEpoch()))
	for _, name := range names {
		value := metrics[name]
		if value.IsScalar() {
			table.Row(name, fmt.Sprintf("%.6g", value.Scalar()))
		} else {
			table.Row(name, value.String())
		}
	}
	fmt.Fprintln(pBar.output, table.Render())
	fmt.Printf("Epoch took %s.\n", time.Since(pBar.epochStart).Round(time.Millisecond))
}
