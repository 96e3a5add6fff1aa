// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifiers implements small classification models for strategy.ImageClassification.
//
// Inputs are flattened to [batchSize, features] before the model is applied, so images shaped
// [batchSize, height, width, channels] can be used directly.
package classifiers

import (
	"maps"
	"slices"

	"github.com/gomlx/deepwater/pkg/ml/strategy"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/pkg/errors"
)

const (
	// ParamDropoutRate is the context parameter with the dropout rate used by FNN in training graphs only.
	// The default is 0.0 (float64).
	ParamDropoutRate = "classifier_dropout_rate"
)

// Known classifiers by name, taking the number of classes.
var Known = map[string]func(numClasses int) strategy.Model{
	"logistic": func(numClasses int) strategy.Model { return LogisticRegression(numClasses) },
	"fnn":      func(numClasses int) strategy.Model { return FNN(numClasses) },
}

// ByName returns the classifier with the given name, or an error listing the known ones.
func ByName(name string, numClasses int) (strategy.Model, error) {
	newFn, found := Known[name]
	if !found {
		return nil, errors.Errorf("unknown classifier %q, known classifiers are %q",
			name, slices.Sorted(maps.Keys(Known)))
	}
	return newFn(numClasses), nil
}

// LogisticModel is a multinomial logistic regression: a single linear layer.
type LogisticModel struct {
	numClasses int
}

// LogisticRegression creates a logistic regression classifier.
func LogisticRegression(numClasses int) *LogisticModel {
	return &LogisticModel{numClasses: numClasses}
}

// NumClasses implements strategy.Model.
func (m *LogisticModel) NumClasses() int { return m.numClasses }

// Logits implements strategy.Model.
func (m *LogisticModel) Logits(ctx *context.Context, inputs []*Node) *Node {
	x := flatten(inputs)
	return fnn.New(ctx.In("logistic"), x, m.numClasses).NumHiddenLayers(0, 1).Done()
}

// FNNModel is a feed-forward network, configured by the fnn package context parameters
// (fnn.ParamNumHiddenLayers, fnn.ParamNumHiddenNodes, activations.ParamActivation, ...).
//
// Dropout is set with ParamDropoutRate and only applied to training graphs, through TrainParameters.
type FNNModel struct {
	numClasses  int
	dropoutRate float64
}

// FNN creates a feed-forward network classifier.
func FNN(numClasses int) *FNNModel {
	return &FNNModel{numClasses: numClasses}
}

// WithDropout sets the dropout rate used in training graphs.
func (m *FNNModel) WithDropout(rate float64) *FNNModel {
	m.dropoutRate = rate
	return m
}

// NumClasses implements strategy.Model.
func (m *FNNModel) NumClasses() int { return m.numClasses }

// TrainParameters implements strategy.TrainParametrized.
func (m *FNNModel) TrainParameters() map[string]any {
	if m.dropoutRate <= 0 {
		return nil
	}
	return map[string]any{ParamDropoutRate: m.dropoutRate}
}

// Logits implements strategy.Model.
func (m *FNNModel) Logits(ctx *context.Context, inputs []*Node) *Node {
	x := flatten(inputs)
	g := x.Graph()
	dropout := context.GetGraphParamOr(ctx, g, ParamDropoutRate, 0.0)
	if !ctx.IsTraining(g) {
		dropout = 0
	}
	return fnn.New(ctx.In("fnn"), x, m.numClasses).Dropout(dropout).Done()
}

// flatten reshapes and concatenates all inputs to [batchSize, features].
func flatten(inputs []*Node) *Node {
	if len(inputs) == 0 {
		exceptions.Panicf("classifiers require at least one input")
	}
	flat := make([]*Node, 0, len(inputs))
	for _, input := range inputs {
		if input.Rank() == 0 {
			exceptions.Panicf("classifiers require inputs with a batch axis, got %s", input.Shape())
		}
		batchSize := input.Shape().Dimensions[0]
		input = Reshape(input, batchSize, input.Shape().Size()/batchSize)
		if !input.DType().IsFloat() {
			input = ConvertDType(input, dtypes.Float32)
		}
		flat = append(flat, input)
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return Concatenate(flat, -1)
}
