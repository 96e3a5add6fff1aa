// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/deepwater/pkg/ml/strategy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"x":          11.0,
		"y":          7,
		"z":          false,
		"s":          "foo",
		"steps":      int64(10),
		"list_int":   []int{},
		"list_float": []float64{},
		"list_str":   []string{},
	})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()

	paramsSet, err := ParseContextSettings(ctx,
		"x=13;/a/z=true;/a/b/y=3;s=bar;steps=1_000;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "/a/z", "/a/b/y", "s", "steps", "list_int", "list_float", "list_str"}, paramsSet)
	assert.Equal(t, 13.0, context.GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, int64(1000), context.GetParamOr(ctx, "steps", int64(0)))

	assert.Equal(t, 7, context.GetParamOr(ctx, "y", 0))
	assert.Equal(t, 7, context.GetParamOr(ctx.In("a"), "y", 0))
	assert.Equal(t, 3, context.GetParamOr(ctx.In("a").In("b"), "y", 0))

	assert.False(t, context.GetParamOr(ctx, "z", true))
	assert.True(t, context.GetParamOr(ctx.In("a"), "z", false))
	assert.Equal(t, "bar", context.GetParamOr(ctx, "s", ""))

	assert.Equal(t, []int{1, 3, 7}, context.GetParamOr(ctx, "list_int", []int{}))
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, context.GetParamOr(ctx, "list_float", []float64{}))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "list_str", []string{}))

	modified := SprintModifiedContextSettings(ctx, append(paramsSet, "x"))
	assert.Contains(t, modified, "/a/b/y")
	assert.Contains(t, modified, "float64")
	assert.Contains(t, SprintContextSettings(ctx), "list_str")

	for _, settings := range []string{
		"q=3",          // Unknown parameter.
		"y=3.14",       // Wrong type.
		"a/abc=3.14",   // Scope is not absolute.
		"x",            // No value.
		"list_int=1,b", // Invalid list element.
		"file:/non/existing/settings.txt",
	} {
		_, err = ParseContextSettings(ctx, settings)
		assert.Error(t, err, "settings %q should fail", settings)
	}

	// Parameter "q" is only known in a sub-scope, not in the root.
	ctx.In("c").SetParam("q", 13)
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment.\nx=0.5\n\ny=2;s=baz\n"), 0o644))
	paramsSet, err := ParseContextSettings(ctx, "z=true;file:"+filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "x", "y", "s"}, paramsSet)
	assert.Equal(t, 0.5, context.GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, 2, context.GetParamOr(ctx, "y", 0))
	assert.Equal(t, "baz", context.GetParamOr(ctx, "s", ""))

	require.NoError(t, os.WriteFile(filePath, []byte("x=0.5\ny=wrong\n"), 0o644))
	_, err = ParseContextSettings(ctx, "file:"+filePath)
	require.ErrorContains(t, err, "settings.txt:2")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.35s", FormatDuration(2345678901*time.Nanosecond))
	assert.Equal(t, "2m3s", FormatDuration(2*time.Minute+3*time.Second+400*time.Millisecond))
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
	assert.Equal(t, "0s", FormatDuration(0))
}

func TestResultsTable(t *testing.T) {
	table := ResultsTable(
		NamedResult{Name: "train", Result: &strategy.StepResult{
			GlobalStep: 12345, NumExamples: 1000, Loss: 0.25, Accuracy: 0.9, CategoricalError: 0.1}},
		NamedResult{Name: "test", Result: &strategy.StepResult{
			GlobalStep: 12345, NumExamples: 200, Loss: 0.5, Accuracy: 0.8, CategoricalError: 0.2}},
	)
	for _, want := range []string{"Dataset", "train", "test", "12,345", "1,000", "0.25", "90.00%", "20.00%"} {
		assert.Contains(t, table, want)
	}
}

func TestVariablesTable(t *testing.T) {
	ctx := context.New()
	ctx.In("dense").VariableWithValue("weights", [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}})
	ctx.In("dense").VariableWithValue("biases", []float32{0, 0, 0, 0})
	table := VariablesTable(ctx)
	assert.Contains(t, table, "/dense/weights")
	assert.Contains(t, table, "/dense/biases")
	assert.Contains(t, table, "Total")
	assert.Contains(t, table, "16")
	assert.Contains(t, table, "64 B")
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pBar := NewProgressBarWithWriter(&buf, 3, func() (string, string) { return "Extra", "42" })
	for step := range 3 {
		require.NoError(t, pBar.OnStep(nil, &strategy.StepResult{GlobalStep: int64(step + 1), Loss: 0.5, Accuracy: 0.75}))
	}
	pBar.Done()
	pBar.Done() // Calling Done twice is fine.
	require.Error(t, pBar.OnStep(nil, &strategy.StepResult{GlobalStep: 4}))
	out := buf.String()
	assert.Contains(t, out, "Global Step")
	assert.Contains(t, out, "75.00%")
	assert.Contains(t, out, "Extra")
}
