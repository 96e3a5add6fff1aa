// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ScalarNames returns the sorted names of all scalar events.
func ScalarNames(events []Event) []string {
	names := make(map[string]bool)
	for _, e := range events {
		if e.Kind == KindScalar {
			names[e.Name] = true
		}
	}
	return slices.Sorted(maps.Keys(names))
}

// TableForScalars returns a table with the first column being the step, followed by one column per scalar name.
// If names is empty, all scalars are included.
func TableForScalars(events []Event, names ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			return cellStyle
		})
	if len(names) == 0 {
		names = ScalarNames(events)
	}
	table.Headers(append([]string{"Step"}, names...)...)

	byStep := make(map[int64][]string)
	for _, e := range events {
		idx := slices.Index(names, e.Name)
		if e.Kind != KindScalar || idx == -1 {
			continue
		}
		row, found := byStep[e.Step]
		if !found {
			row = make([]string, 1+len(names))
			row[0] = humanize.Comma(e.Step)
			byStep[e.Step] = row
		}
		row[idx+1] = fmt.Sprintf("%.4g", e.Value)
	}
	for _, step := range slices.Sorted(maps.Keys(byStep)) {
		table.Row(byStep[step]...)
	}
	return table.String()
}

// RenderScalars plots the scalar events with the given name over the steps, and saves it as an image to
// filePath. The format is taken from the file extension (e.g.: ".png", ".svg").
func RenderScalars(events []Event, name, filePath string) error {
	points := Filter(events, name, KindScalar)
	if len(points) == 0 {
		return errors.Errorf("no scalar events named %q to plot", name)
	}
	slices.SortStableFunc(points, func(a, b Event) int { return cmp.Compare(a.Step, b.Step) })
	xys := make(plotter.XYs, len(points))
	for ii, e := range points {
		xys[ii].X = float64(e.Step)
		xys[ii].Y = e.Value
	}

	p := plot.New()
	p.Title.Text = name
	p.X.Label.Text = "global step"
	p.Y.Label.Text = name
	line, err := plotter.NewLine(xys)
	if err != nil {
		return errors.Wrapf(err, "failed to create line for %q", name)
	}
	p.Add(line, plotter.NewGrid())
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot of %q to %q", name, filePath)
	}
	return nil
}
