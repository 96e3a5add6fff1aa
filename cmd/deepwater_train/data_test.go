// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/deepwater/pkg/ml/summary"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticImages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	images, labels, err := syntheticImages(backend, 12, 3, 4, 0.1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 4, 4, 1}, images.Shape().Dimensions)
	assert.Equal(t, []int32{0, 1, 2, 0, 1, 2, 0, 1, 2, 0, 1, 2}, tensors.MustCopyFlatData[int32](labels))

	// Same seed generates the same images.
	images2, _, err := syntheticImages(backend, 12, 3, 4, 0.1, 1)
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](images), tensors.MustCopyFlatData[float32](images2))

	_, _, err = syntheticImages(backend, 12, 1, 4, 0.1, 1)
	require.Error(t, err)
}

func TestSplitDatasets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	images, labels, err := syntheticImages(backend, 16, 2, 2, 0.1, 1)
	require.NoError(t, err)

	first, second := splitExamples[int32](labels, 12)
	assert.Equal(t, []int{12}, first.Shape().Dimensions)
	assert.Equal(t, []int32{0, 1, 0, 1}, tensors.MustCopyFlatData[int32](second))

	trainDS, evalDS, err := splitDatasets(backend, images, labels, 4)
	require.NoError(t, err)
	assert.Equal(t, 12, trainDS.NumExamples())
	assert.Equal(t, 4, evalDS.NumExamples())

	_, _, err = splitDatasets(backend, tensors.FromValue([][]float32{{1}}), tensors.FromValue([]int32{0}), 4)
	require.Error(t, err)
}

func TestLastEvents(t *testing.T) {
	var events []summary.Event
	for step := range int64(5) {
		events = append(events,
			summary.Event{Step: step, Name: "loss", Kind: summary.KindScalar},
			summary.Event{Step: step, Name: "/w", Kind: summary.KindStats})
	}
	last := lastEvents(events, 2)
	require.Len(t, last, 4)
	assert.Equal(t, int64(3), last[0].Step)
	assert.Len(t, lastEvents(events, 10), 10)
}
