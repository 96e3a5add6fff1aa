// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifiers

import (
	"testing"

	"github.com/gomlx/deepwater/pkg/ml/strategy"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestByName(t *testing.T) {
	model, err := ByName("logistic", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, model.NumClasses())
	assert.IsType(t, &LogisticModel{}, model)

	model, err = ByName("fnn", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, model.NumClasses())
	assert.IsType(t, &FNNModel{}, model)

	_, err = ByName("resnet", 10)
	require.ErrorContains(t, err, `["fnn" "logistic"]`)
}

func TestTrainParameters(t *testing.T) {
	assert.Nil(t, FNN(2).TrainParameters())
	assert.Equal(t, map[string]any{ParamDropoutRate: 0.25}, FNN(2).WithDropout(0.25).TrainParameters())
	var _ strategy.TrainParametrized = FNN(2)
}

func TestLogitsShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Images shaped [batch, height, width, channels] and an integer feature shaped [batch].
	images := tensors.FromValue([][][][]float32{
		{{{1}, {2}}, {{3}, {4}}},
		{{{5}, {6}}, {{7}, {8}}},
	})
	feature := tensors.FromValue([]int32{1, 0})
	for name, model := range map[string]strategy.Model{
		"logistic": LogisticRegression(3),
		"fnn":      FNN(3),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.New()
			ctx.SetParam(fnn.ParamNumHiddenLayers, 1)
			ctx.SetParam(fnn.ParamNumHiddenNodes, 4)
			exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
				return []*Node{model.Logits(ctx, inputs)}
			})
			logits := exec.MustExec(images, feature)[0]
			assert.Equal(t, []int{2, 3}, logits.Shape().Dimensions)
		})
	}
}

func TestTrainFNNWithDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(fnn.ParamNumHiddenLayers, 1)
	ctx.SetParam(fnn.ParamNumHiddenNodes, 8)
	s, err := strategy.New(backend, ctx, FNN(2).WithDropout(0.1),
		optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(0.1).Done()).Done()
	require.NoError(t, err)

	inputs := []*tensors.Tensor{tensors.FromValue([][]float32{{-1, -1}, {-2, -1}, {1, 1}, {2, 1}})}
	labels := tensors.FromValue([]int32{0, 0, 1, 1})
	var first, last *strategy.StepResult
	for range 100 {
		last, err = s.TrainStep(inputs, labels)
		require.NoError(t, err)
		if first == nil {
			first = last
		}
	}
	assert.Less(t, last.Loss, first.Loss)

	// Evaluation graphs don't use dropout, so results are deterministic.
	eval1, err := s.Evaluate(inputs, labels)
	require.NoError(t, err)
	eval2, err := s.Evaluate(inputs, labels)
	require.NoError(t, err)
	assert.Equal(t, eval1.Loss, eval2.Loss)
	assert.Equal(t, int64(100), eval2.GlobalStep)
}
