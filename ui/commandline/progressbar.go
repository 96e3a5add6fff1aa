// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/deepwater/pkg/ml/strategy"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the minimum time between terminal updates.
var RefreshPeriod = time.Millisecond * 200

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal supports it.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// ProgressBar displays the training progress and the metrics of the last step on the terminal.
// Use its OnStep method as a strategy.StepHook, and call Done at the end.
type ProgressBar struct {
	numSteps, stepsDone int
	numReported         int
	bar                 *progressbar.ProgressBar
	out                 io.Writer
	termenv             *termenv.Output
	statsStyle          lipgloss.Style
	statsTable          *lgtable.Table
	isFirstOutput       bool
	extraMetricFns      []ExtraMetricFn
	lastUpdate          time.Time

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	doneOnce         sync.Once
	isDone           atomic.Bool
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// NewProgressBar creates a progress bar for numSteps steps, printed to the standard output.
func NewProgressBar(numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return NewProgressBarWithWriter(os.Stdout, numSteps, extraMetrics...)
}

// NewProgressBarWithWriter creates a progress bar for numSteps steps, printed to out.
func NewProgressBarWithWriter(out io.Writer, numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		numSteps:       numSteps,
		out:            out,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput:  true,
		extraMetricFns: extraMetrics,
		updates:        make(chan progressBarUpdate, 100), // Large buffer so training is not blocked.
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(out),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// OnStep implements strategy.StepHook. It returns an error if called after Done.
func (pBar *ProgressBar) OnStep(_ *strategy.ImageClassification, result *strategy.StepResult) error {
	if pBar.isDone.Load() {
		return errors.New("progress bar used after Done")
	}
	pBar.stepsDone++
	if pBar.stepsDone < pBar.numSteps && time.Since(pBar.lastUpdate) < RefreshPeriod {
		return nil
	}
	pBar.lastUpdate = time.Now()
	rows := [][2]string{
		{"Global Step", fmt.Sprintf("%s (%s of %s)", humanize.Comma(result.GlobalStep),
			humanize.Comma(int64(pBar.stepsDone)), humanize.Comma(int64(pBar.numSteps)))},
		{"Train step duration", FormatDuration(result.Duration)},
		{"Batch loss", fmt.Sprintf("%.4g", result.Loss)},
		{"Batch accuracy", fmt.Sprintf("%.2f%%", 100*result.Accuracy)},
	}
	if result.L2Loss > 0 {
		rows = append(rows, [2]string{"Weight decay loss", fmt.Sprintf("%.4g", result.L2Loss)})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	pBar.updates <- progressBarUpdate{amount: pBar.stepsDone - pBar.numReported, rows: rows}
	pBar.numReported = pBar.stepsDone
	return nil
}

// Done waits for the pending updates to be drawn. Call it after training.
func (pBar *ProgressBar) Done() {
	pBar.doneOnce.Do(func() {
		pBar.isDone.Store(true)
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.termenv.ShowCursor()
		_, _ = fmt.Fprintln(pBar.out)
	})
}

// drawUpdates asynchronously draws the updates, so a slow terminal doesn't slow down training.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	numRowsDrawn := 0
	for update := range pBar.updates {
		// Exhaust the updates in the buffer, only the last one is drawn.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numRowsDrawn + 2 + 2)
		}
		pBar.isFirstOutput = false
		numRowsDrawn = len(update.rows)

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
	}
}
