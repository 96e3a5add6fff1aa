// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"github.com/gomlx/deepwater/pkg/ml/summary"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Ops holds the nodes built by ImageClassification for one graph.
type Ops struct {
	inputs                                   []*Node
	labels, logits, predictions              *Node
	loss, l2Loss, accuracy, categoricalError *Node
	globalStep                               *Node
	summaries                                []SummaryNode
	training                                 bool
}

// SummaryNode is a value computed in the graph to be recorded as a summary event.
type SummaryNode struct {
	Name string
	Kind summary.Kind

	// Value is a scalar for summary.KindScalar, or the output of StatsGraph for summary.KindStats.
	Value *Node
}

// Inputs to the model.
func (o *Ops) Inputs() []*Node { return o.inputs }

// Labels in dense format, shaped [batchSize, numClasses], with the dtype of the logits.
func (o *Ops) Labels() *Node { return o.labels }

// Logits returned by the model.
func (o *Ops) Logits() *Node { return o.logits }

// Predictions of the model: by default the softmax of the logits.
func (o *Ops) Predictions() *Node { return o.predictions }

// Loss is the scalar minimized: the mean cross-entropy plus the L2 weight decay penalty.
func (o *Ops) Loss() *Node { return o.loss }

// L2Loss is the weight decay penalty included in Loss. It is 0 if weight decay is disabled.
func (o *Ops) L2Loss() *Node { return o.l2Loss }

// Accuracy is the ratio of examples whose most likely predicted class is the labeled class.
func (o *Ops) Accuracy() *Node { return o.accuracy }

// CategoricalError is the ratio of examples whose most likely predicted class is not the labeled one.
// It is always 1-Accuracy.
func (o *Ops) CategoricalError() *Node { return o.categoricalError }

// Summaries computed by the graph. Empty if summaries are disabled.
func (o *Ops) Summaries() []SummaryNode { return o.summaries }

// Training returns whether this graph includes the optimizer update.
func (o *Ops) Training() bool { return o.training }

// BuildGraph builds the model, loss and metrics for the given inputs and labels.
// If training is true, it also builds the optimizer update and, if configured, the max-norm constraint.
//
// Labels can be dense (one-hot or a distribution), shaped [batchSize, numClasses], or integer class indices
// shaped [batchSize] or [batchSize, 1].
//
// It panics with an error if something goes wrong, like other graph building functions.
func (s *ImageClassification) BuildGraph(ctx *context.Context, inputs []*Node, labels *Node, training bool) *Ops {
	g := labels.Graph()
	ctx.SetTraining(g, training)
	if training {
		for key, value := range s.TrainParameters() {
			ctx.SetGraphParam(g, key, value)
		}
	}

	numClasses := s.model.NumClasses()
	logits := s.model.Logits(ctx, inputs)
	if logits.Rank() != 2 || logits.Shape().Dimensions[1] != numClasses {
		exceptions.Panicf("model logits must be shaped [batch_size, %d], got %s", numClasses, logits.Shape())
	}
	if !logits.DType().IsFloat() {
		exceptions.Panicf("model logits must be float, got %s", logits.Shape())
	}
	ops := &Ops{
		inputs:   inputs,
		logits:   logits,
		training: training,
	}
	ops.labels = DenseLabels(labels, numClasses, logits.DType())
	if ops.labels.Shape().Dimensions[0] != logits.Shape().Dimensions[0] {
		exceptions.Panicf("labels batch size (%s) doesn't match logits batch size (%s)",
			ops.labels.Shape(), logits.Shape())
	}
	if predictor, ok := s.model.(Predictor); ok {
		ops.predictions = predictor.Predictions(logits)
	} else {
		ops.predictions = Softmax(logits, -1)
	}

	ops.l2Loss = WeightDecayLoss(ctx, g, s.weightDecay, logits.DType())
	ops.loss = ReduceAllMean(Add(CrossEntropyLoss(ops.labels, logits), ops.l2Loss))
	ops.accuracy = AccuracyGraph(ops.predictions, ops.labels)
	ops.categoricalError = CategoricalErrorGraph(ops.predictions, ops.labels)
	if s.addSummaries {
		ops.summaries = append(ops.summaries, SummaryNode{Name: "loss", Kind: summary.KindScalar, Value: ops.loss})
	}

	if training {
		s.updateGraph(ctx, g, ops)
	}
	ops.globalStep = optimizers.GetGlobalStepVar(ctx.InAbsPath(context.RootScope)).ValueGraph(g)
	return ops
}

// updateGraph builds the optimizer step, the max-norm constraint and the variables and gradients summaries.
func (s *ImageClassification) updateGraph(ctx *context.Context, g *Graph, ops *Ops) {
	updater, reuseGradients := s.optimizer.(gradientsUpdater)
	var (
		trainable []*context.Variable
		values    []*Node
		grads     []*Node
	)
	if reuseGradients || s.addSummaries {
		// Same order used by Context.BuildTrainableVariablesGradientsGraph.
		ctx.EnumerateVariables(func(v *context.Variable) {
			if v.Trainable && v.InUseByGraph(g) {
				trainable = append(trainable, v)
				values = append(values, v.ValueGraph(g))
			}
		})
		if len(trainable) > 0 {
			grads = ctx.BuildTrainableVariablesGradientsGraph(ops.loss)
		}
	}

	if reuseGradients && len(grads) > 0 {
		updater.UpdateGraphWithGradients(ctx, grads, ops.loss.DType())
	} else {
		s.optimizer.UpdateGraph(ctx, g, ops.loss)
	}
	if s.maxNorm > 0 {
		ClipVariablesByNorm(ctx, g, s.maxNorm)
	}

	if s.addSummaries {
		for ii, v := range trainable {
			name := summary.SanitizeName(v.ScopeAndName())
			ops.summaries = append(ops.summaries,
				SummaryNode{Name: name, Kind: summary.KindStats, Value: StatsGraph(values[ii])},
				SummaryNode{Name: name + summary.GradientSuffix, Kind: summary.KindStats, Value: StatsGraph(grads[ii])})
		}
	}
}

// gradientsUpdater is implemented by optimizers that can take precomputed gradients.
type gradientsUpdater interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// DenseLabels converts labels to the dense format [batchSize, numClasses] with the given dtype.
//
// Integer labels shaped [batchSize] or [batchSize, 1] are one-hot encoded. Float labels must already be
// shaped [batchSize, numClasses].
//
// Integer labels out of the range [0, numClasses) are encoded as rows of zeros: the graph doesn't check them.
// TrainStep and Evaluate check the range of integer labels before executing the graph.
func DenseLabels(labels *Node, numClasses int, dtype dtypes.DType) *Node {
	shape := labels.Shape()
	if shape.DType.IsInt() {
		switch {
		case shape.Rank() == 2 && shape.Dimensions[1] == 1:
			labels = Reshape(labels, shape.Dimensions[0])
		case shape.Rank() == 1:
		default:
			exceptions.Panicf("integer labels must be shaped [batch_size] or [batch_size, 1], got %s", shape)
		}
		return OneHot(labels, numClasses, dtype)
	}
	if !shape.DType.IsFloat() {
		exceptions.Panicf("labels must be float (dense) or integer (class indices), got %s", shape)
	}
	if shape.Rank() != 2 || shape.Dimensions[1] != numClasses {
		exceptions.Panicf("dense labels must be shaped [batch_size, %d], got %s", numClasses, shape)
	}
	if shape.DType != dtype {
		labels = ConvertDType(labels, dtype)
	}
	return labels
}

// CrossEntropyLoss returns the softmax cross-entropy of the logits for each example, shaped [batchSize].
// Labels must be dense, with the same shape as logits.
func CrossEntropyLoss(labels, logits *Node) *Node {
	return losses.CategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits})
}

// WeightDecayLoss returns weightDecay * sum(v^2)/2 summed over all trainable float variables used in the
// graph g, as a scalar of the given dtype. It returns a scalar 0 if weightDecay is 0.
func WeightDecayLoss(ctx *context.Context, g *Graph, weightDecay float64, dtype dtypes.DType) *Node {
	if weightDecay <= 0 {
		return Scalar(g, dtype, 0.0)
	}
	var l2 *Node
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) || !v.DType().IsFloat() {
			return
		}
		term := MulScalar(ReduceAllSum(Square(v.ValueGraph(g))), 0.5)
		if term.DType() != dtype {
			term = ConvertDType(term, dtype)
		}
		if l2 == nil {
			l2 = term
		} else {
			l2 = Add(l2, term)
		}
	})
	if l2 == nil {
		return Scalar(g, dtype, 0.0)
	}
	return MulScalar(l2, weightDecay)
}

// AccuracyGraph returns the mean of argmax(predictions) == argmax(labels) over the batch, with the dtype of
// predictions.
func AccuracyGraph(predictions, labels *Node) *Node {
	hits := Equal(ArgMax(predictions, -1), ArgMax(labels, -1))
	return ReduceAllMean(ConvertDType(hits, predictions.DType()))
}

// CategoricalErrorGraph returns the mean of argmax(predictions) != argmax(labels) over the batch, with the
// dtype of predictions.
func CategoricalErrorGraph(predictions, labels *Node) *Node {
	misses := NotEqual(ArgMax(predictions, -1), ArgMax(labels, -1))
	return ReduceAllMean(ConvertDType(misses, predictions.DType()))
}

// ClipByNorm scales x so that its L2 norm is at most maxNorm: x * maxNorm / max(norm(x), maxNorm).
func ClipByNorm(x *Node, maxNorm float64) *Node {
	limit := Scalar(x.Graph(), x.DType(), maxNorm)
	norm := Sqrt(ReduceAllSum(Square(x)))
	return Mul(x, Div(limit, Max(norm, limit)))
}

// ClipVariablesByNorm clips every trainable float variable used in graph g to the given L2 norm.
// It should be called after the optimizer update, so the updated values are clipped.
func ClipVariablesByNorm(ctx *context.Context, g *Graph, maxNorm float64) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) || !v.DType().IsFloat() {
			return
		}
		v.SetValueGraph(ClipByNorm(v.ValueGraph(g), maxNorm))
	})
}

// StatsGraph returns the mean, standard deviation, minimum and maximum of all elements of x, stacked in a
// Float64 tensor shaped [4].
func StatsGraph(x *Node) *Node {
	x = ConvertDType(x, dtypes.Float64)
	mean := ReduceAllMean(x)
	stddev := Sqrt(ReduceAllMean(Square(Sub(x, mean))))
	return Stack([]*Node{mean, stddev, ReduceAllMin(x), ReduceAllMax(x)}, 0)
}
