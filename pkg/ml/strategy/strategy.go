// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strategy implements training strategies: the glue between a classification model, an optimizer
// and the loss and metrics used to train it.
//
// ImageClassification is the main one. It builds, for every graph executed, the labels input, the
// cross-entropy loss (optionally with an L2 weight decay over all trainable variables), the accuracy and
// categorical error, and the optimizer update step. Optionally it also computes summaries of the loss,
// variables and gradients.
//
// Example:
//
//	ctx := context.New()
//	model := classifiers.Logistic(10)
//	s, err := strategy.New(backend, ctx, model, optimizers.Adam().Done()).
//		FromContext().
//		WeightDecay(1e-5).
//		Done()
//	if err != nil { ... }
//	for ... {
//		result, err := s.TrainStep(inputs, labels)
//		...
//	}
package strategy

import (
	"math"
	"path"
	"sync"

	"github.com/gomlx/deepwater/pkg/ml/summary"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamWeightDecay is the context parameter with the L2 weight decay factor applied to every trainable
	// variable. The default is DefaultWeightDecay (float64). Set it to 0 to disable it.
	ParamWeightDecay = "weight_decay"

	// ParamAddSummaries is the context parameter that enables the loss, variables and gradients summaries.
	// The default is false (bool).
	ParamAddSummaries = "add_summaries"

	// ParamMaxNormConstraint is the context parameter with the maximum L2 norm each trainable variable is clipped
	// to after every update. The default is 0.0 (float64), which disables it.
	ParamMaxNormConstraint = "max_norm_constraint"

	// ParamSummaryDir is the context parameter with the directory where summary events are written.
	// The default is "" (string), in which case events are only kept in memory.
	ParamSummaryDir = "summary_dir"

	// DefaultWeightDecay is the weight decay used if none is configured.
	DefaultWeightDecay = 1e-6

	// DefaultMaxNorm is the customary norm used with MaxNormConstraint.
	DefaultMaxNorm = 2.0

	// SummaryFileName is the name of the file, within the summary directory, where events are appended.
	SummaryFileName = "summary_events.jsonl"
)

// Model is the classification model trained by ImageClassification.
type Model interface {
	// NumClasses returns the number of classes the model predicts.
	NumClasses() int

	// Logits builds the model graph and returns the logits, shaped [batchSize, NumClasses()].
	Logits(ctx *context.Context, inputs []*Node) *Node
}

// Predictor can optionally be implemented by a Model to convert logits to predictions.
// If not implemented, predictions are Softmax(logits).
type Predictor interface {
	Predictions(logits *Node) *Node
}

// TrainParametrized can optionally be implemented by a Model that needs graph parameters set only on training
// graphs (e.g.: dropout rates). They are set with context.Context.SetGraphParam before the model graph is built.
type TrainParametrized interface {
	TrainParameters() map[string]any
}

// ModelFn is a model graph building function that returns logits.
type ModelFn func(ctx *context.Context, inputs []*Node) *Node

type modelFromFn struct {
	numClasses int
	fn         ModelFn
}

// FromModelFn adapts a model function to the Model interface.
func FromModelFn(numClasses int, fn ModelFn) Model {
	return &modelFromFn{numClasses: numClasses, fn: fn}
}

func (m *modelFromFn) NumClasses() int { return m.numClasses }

func (m *modelFromFn) Logits(ctx *context.Context, inputs []*Node) *Node { return m.fn(ctx, inputs) }

// Config for ImageClassification. Create it with New, configure it and call Done.
type Config struct {
	backend      backends.Backend
	ctx          *context.Context
	model        Model
	optimizer    optimizers.Interface
	weightDecay  float64
	addSummaries bool
	maxNorm      float64
	summaryDir   string
}

// New creates a configuration for an ImageClassification strategy.
//
// The ctx holds the model variables and hyperparameters. The optimizer is used to build the update step.
// Defaults can be changed with the configuration methods, or read from the context with Config.FromContext.
func New(backend backends.Backend, ctx *context.Context, model Model, optimizer optimizers.Interface) *Config {
	return &Config{
		backend:     backend,
		ctx:         ctx,
		model:       model,
		optimizer:   optimizer,
		weightDecay: DefaultWeightDecay,
	}
}

// FromContext reads the configuration from the context hyperparameters: ParamWeightDecay, ParamAddSummaries,
// ParamMaxNormConstraint and ParamSummaryDir. Values not set in the context keep their current value.
func (c *Config) FromContext() *Config {
	if c.ctx == nil {
		return c
	}
	c.weightDecay = context.GetParamOr(c.ctx, ParamWeightDecay, c.weightDecay)
	c.addSummaries = context.GetParamOr(c.ctx, ParamAddSummaries, c.addSummaries)
	c.maxNorm = context.GetParamOr(c.ctx, ParamMaxNormConstraint, c.maxNorm)
	c.summaryDir = context.GetParamOr(c.ctx, ParamSummaryDir, c.summaryDir)
	return c
}

// WeightDecay sets the factor of the L2 penalty added to the loss. 0 disables it.
func (c *Config) WeightDecay(weightDecay float64) *Config {
	c.weightDecay = weightDecay
	return c
}

// WithSummaries enables the loss, variables and gradients summaries.
func (c *Config) WithSummaries(enabled bool) *Config {
	c.addSummaries = enabled
	return c
}

// MaxNormConstraint clips every trainable variable to the given L2 norm after each update.
// Use DefaultMaxNorm for the customary value. 0 (the default) disables it.
func (c *Config) MaxNormConstraint(maxNorm float64) *Config {
	c.maxNorm = maxNorm
	return c
}

// SummaryDir sets a directory where summary events are appended, in the file SummaryFileName.
// Only used if summaries are enabled.
func (c *Config) SummaryDir(dir string) *Config {
	c.summaryDir = dir
	return c
}

// Done validates the configuration and creates the ImageClassification strategy.
func (c *Config) Done() (*ImageClassification, error) {
	switch {
	case c.backend == nil:
		return nil, errors.New("strategy: backend is nil")
	case c.ctx == nil:
		return nil, errors.New("strategy: context is nil")
	case c.model == nil:
		return nil, errors.New("strategy: model is nil")
	case c.optimizer == nil:
		return nil, errors.New("strategy: optimizer is nil")
	case c.model.NumClasses() <= 0:
		return nil, errors.Errorf("strategy: model must have at least 1 class, got %d", c.model.NumClasses())
	case c.weightDecay < 0 || math.IsNaN(c.weightDecay):
		return nil, errors.Errorf("strategy: invalid weight decay %g", c.weightDecay)
	case c.maxNorm < 0 || math.IsNaN(c.maxNorm):
		return nil, errors.Errorf("strategy: invalid max-norm constraint %g", c.maxNorm)
	}

	s := &ImageClassification{
		backend:      c.backend,
		ctx:          c.ctx,
		model:        c.model,
		optimizer:    c.optimizer,
		weightDecay:  c.weightDecay,
		addSummaries: c.addSummaries,
		maxNorm:      c.maxNorm,
		graphOps:     make(map[*Graph]*Ops),
	}
	if c.addSummaries {
		var err error
		if c.summaryDir != "" {
			s.summaries, err = summary.NewFileWriter(path.Join(c.summaryDir, SummaryFileName))
		} else {
			s.summaries = summary.NewWriter()
		}
		if err != nil {
			return nil, errors.WithMessage(err, "strategy: failed to create summary writer")
		}
	}

	// Variables are shared among the training and evaluation graphs, and among graphs built for different
	// input shapes: so they are not checked for uniqueness.
	execCtx := c.ctx.Checked(false)
	var err error
	s.trainExec, err = context.NewExec(c.backend, execCtx, func(ctx *context.Context, nodes []*Node) []*Node {
		return s.outputsGraph(ctx, nodes, true)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "strategy: failed to create train executor")
	}
	s.evalExec, err = context.NewExec(c.backend, execCtx, func(ctx *context.Context, nodes []*Node) []*Node {
		return s.outputsGraph(ctx, nodes, false)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "strategy: failed to create eval executor")
	}
	klog.V(1).Infof("strategy.ImageClassification: %d classes, weight_decay=%g, add_summaries=%v, max_norm=%g",
		c.model.NumClasses(), c.weightDecay, c.addSummaries, c.maxNorm)
	return s, nil
}

// ImageClassification trains a classification model with a softmax cross-entropy loss.
//
// Graphs are built lazily, once per input shape, on the first call to TrainStep or Evaluate.
// Create it with New.
type ImageClassification struct {
	backend      backends.Backend
	ctx          *context.Context
	model        Model
	optimizer    optimizers.Interface
	weightDecay  float64
	addSummaries bool
	maxNorm      float64
	summaries    *summary.Writer

	trainExec, evalExec *context.Exec

	mu        sync.Mutex
	graphOps  map[*Graph]*Ops
	lastTrain *Ops
}

// Backend used to build and execute the graphs.
func (s *ImageClassification) Backend() backends.Backend { return s.backend }

// Context holding the variables and hyperparameters.
func (s *ImageClassification) Context() *context.Context { return s.ctx }

// Model being trained.
func (s *ImageClassification) Model() Model { return s.model }

// Optimizer used for the update step.
func (s *ImageClassification) Optimizer() optimizers.Interface { return s.optimizer }

// WeightDecay returns the L2 penalty factor. 0 means it is disabled.
func (s *ImageClassification) WeightDecay() float64 { return s.weightDecay }

// MaxNorm returns the norm variables are clipped to after each update. 0 means it is disabled.
func (s *ImageClassification) MaxNorm() float64 { return s.maxNorm }

// SummariesEnabled returns whether summaries are computed.
func (s *ImageClassification) SummariesEnabled() bool { return s.addSummaries }

// Summaries returns the writer collecting the summary events of the training steps.
// It is nil if summaries are not enabled.
func (s *ImageClassification) Summaries() *summary.Writer { return s.summaries }

// TrainParameters returns the graph parameters the model sets for training graphs, or nil if the model doesn't
// implement TrainParametrized.
func (s *ImageClassification) TrainParameters() map[string]any {
	if tp, ok := s.model.(TrainParametrized); ok {
		return tp.TrainParameters()
	}
	return nil
}

// Ops returns the nodes of the last training graph built. It is nil before the first TrainStep.
//
// The nodes are only valid to be inspected: the graph has already been compiled.
func (s *ImageClassification) Ops() *Ops {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTrain
}

// GlobalStep returns the number of optimization steps taken so far.
func (s *ImageClassification) GlobalStep() (step int64, err error) {
	err = exceptions.TryCatch[error](func() { step = optimizers.GetGlobalStep(s.ctx.InAbsPath(context.RootScope)) })
	if err != nil {
		return 0, errors.WithMessage(err, "strategy: failed to read global step")
	}
	return step, nil
}

// LearningRate returns the current learning rate of the optimizer.
//
// Optimizers store it in a variable once the first training graph is built. Before that, the value of the
// context parameter optimizers.ParamLearningRate is returned, if set.
func (s *ImageClassification) LearningRate() (float64, error) {
	scope := s.ctx.InAbsPath(context.RootScope).In(optimizers.Scope).Scope()
	v := s.ctx.GetVariableByScopeAndName(scope, optimizers.ParamLearningRate)
	if v == nil {
		lr, found := s.ctx.GetParam(optimizers.ParamLearningRate)
		if !found {
			return 0, errors.Errorf("strategy: learning rate not known before the first training step, " +
				"and parameter %q is not set", optimizers.ParamLearningRate)
		}
		if value, ok := lr.(float64); ok {
			return value, nil
		}
		return 0, errors.Errorf("strategy: parameter %q has type %T, expected float64", optimizers.ParamLearningRate, lr)
	}
	value, err := v.Value()
	if err != nil {
		return 0, errors.WithMessage(err, "strategy: failed to read learning rate variable")
	}
	return scalarToFloat64(value)
}

// Finalize releases the executors. The strategy can't be used afterward.
func (s *ImageClassification) Finalize() error {
	s.trainExec.Finalize()
	s.evalExec.Finalize()
	if s.summaries != nil {
		return s.summaries.Close()
	}
	return nil
}

func scalarToFloat64(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, errors.Errorf("strategy: cannot convert tensor %s to float64", t.Shape())
}
