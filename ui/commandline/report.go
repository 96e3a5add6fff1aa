// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline implements the terminal output of a training program: a progress bar hooked to the
// training steps, tables with results and the parsing of context settings from a flag.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/deepwater/pkg/ml/strategy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).Align(lipgloss.Center).Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
)

// NamedResult associates a name, e.g. the dataset evaluated, with a strategy.StepResult.
type NamedResult struct {
	Name   string
	Result *strategy.StepResult
}

// ResultsTable returns a table with one row per result.
func ResultsTable(results ...NamedResult) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerStyle
			case col == 0:
				return normalStyle
			}
			return rightAlignedStyle
		}).
		Headers("Dataset", "Global Step", "Examples", "Loss", "Weight Decay", "Accuracy", "Error")
	for _, r := range results {
		table.Row(
			r.Name,
			humanize.Comma(r.Result.GlobalStep),
			humanize.Comma(int64(r.Result.NumExamples)),
			fmt.Sprintf("%.4g", r.Result.Loss),
			fmt.Sprintf("%.3g", r.Result.L2Loss),
			fmt.Sprintf("%.2f%%", 100*r.Result.Accuracy),
			fmt.Sprintf("%.2f%%", 100*r.Result.CategoricalError),
		)
	}
	return table.String()
}

// ReportEval evaluates each dataset with s.EvaluateDataset and prints a table with the results to w.
func ReportEval(w io.Writer, s *strategy.ImageClassification, datasets ...train.Dataset) error {
	results := make([]NamedResult, 0, len(datasets))
	for _, ds := range datasets {
		result, err := s.EvaluateDataset(ds)
		if err != nil {
			return err
		}
		results = append(results, NamedResult{Name: ds.Name(), Result: result})
	}
	_, err := fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render("Evaluation"), ResultsTable(results...))
	return errors.Wrap(err, "failed to write evaluation report")
}

// VariablesTable returns a table with the variables of ctx: their scope and name, shape and size.
// The last row holds the totals.
func VariablesTable(ctx *context.Context) string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerStyle
			case col == 0:
				return normalStyle
			}
			return rightAlignedStyle
		}).
		Headers("Variable", "Shape", "Size", "Bytes")
	var numParams, numBytes int
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		table.Row(v.ScopeAndName(), shape.String(), humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())))
		numParams += shape.Size()
		numBytes += int(shape.Memory())
	}
	table.Row("Total", "", humanize.Comma(int64(numParams)), humanize.Bytes(uint64(numBytes)))
	return table.String()
}
