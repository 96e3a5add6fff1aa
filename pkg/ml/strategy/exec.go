// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"io"
	"math"
	"time"

	"github.com/gomlx/deepwater/pkg/ml/summary"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepResult holds the values computed by one training or evaluation step.
type StepResult struct {
	// GlobalStep after the step was executed.
	GlobalStep int64

	// NumExamples in the batch (or in the whole dataset, for EvaluateDataset).
	NumExamples int

	Loss, L2Loss, Accuracy, CategoricalError float64

	// Summaries recorded in the step, if summaries are enabled.
	Summaries []summary.Event

	// Duration of the step execution.
	Duration time.Duration
}

// StepHook is called by RunSteps after every training step.
// If it returns an error, RunSteps is interrupted and returns it.
type StepHook func(s *ImageClassification, result *StepResult) error

// Number of scalar outputs before the summaries: loss, l2 loss, accuracy, categorical error and global step.
const numScalarOutputs = 5

// outputsGraph is the graph function used by the executors: the last node is the labels, the others the inputs.
func (s *ImageClassification) outputsGraph(ctx *context.Context, nodes []*Node, training bool) []*Node {
	if len(nodes) < 2 {
		exceptions.Panicf("strategy requires at least one input and the labels, got %d tensors", len(nodes))
	}
	inputs, labels := nodes[:len(nodes)-1], nodes[len(nodes)-1]
	ops := s.BuildGraph(ctx, inputs, labels, training)

	s.mu.Lock()
	s.graphOps[labels.Graph()] = ops
	if training {
		s.lastTrain = ops
	}
	s.mu.Unlock()

	outputs := make([]*Node, 0, numScalarOutputs+len(ops.summaries))
	for _, node := range []*Node{ops.loss, ops.l2Loss, ops.accuracy, ops.categoricalError, ops.globalStep} {
		outputs = append(outputs, ConvertDType(node, dtypes.Float64))
	}
	for _, sNode := range ops.summaries {
		outputs = append(outputs, ConvertDType(sNode.Value, dtypes.Float64))
	}
	return outputs
}

// TrainStep executes one optimization step on the batch of inputs and labels.
//
// Labels can be dense, shaped [batchSize, numClasses], or integer class indices shaped [batchSize] or
// [batchSize, 1]. The returned error reports a NaN or infinite loss.
func (s *ImageClassification) TrainStep(inputs []*tensors.Tensor, labels *tensors.Tensor) (*StepResult, error) {
	result, err := s.run(s.trainExec, true, inputs, labels)
	if err != nil {
		return nil, errors.WithMessage(err, "strategy: TrainStep")
	}
	if math.IsNaN(result.Loss) {
		return result, errors.Errorf("strategy: batch loss is NaN at global step %d, training interrupted", result.GlobalStep)
	}
	if math.IsInf(result.Loss, 0) {
		return result, errors.Errorf("strategy: batch loss is infinity (%f) at global step %d, training interrupted",
			result.Loss, result.GlobalStep)
	}
	if s.summaries != nil {
		if err := s.summaries.Add(result.Summaries...); err != nil {
			return result, errors.WithMessage(err, "strategy: failed to record summaries")
		}
	}
	return result, nil
}

// Evaluate computes the loss and metrics on the batch, without updating the variables.
// The graph is built with the context in non-training mode.
func (s *ImageClassification) Evaluate(inputs []*tensors.Tensor, labels *tensors.Tensor) (*StepResult, error) {
	result, err := s.run(s.evalExec, false, inputs, labels)
	if err != nil {
		return nil, errors.WithMessage(err, "strategy: Evaluate")
	}
	return result, nil
}

// EvaluateDataset evaluates every batch yielded by ds until io.EOF, and returns the loss and metrics averaged
// over all examples. The dataset is reset at the end.
func (s *ImageClassification) EvaluateDataset(ds train.Dataset) (*StepResult, error) {
	defer ds.Reset()
	total := &StepResult{}
	start := time.Now()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "strategy: failed reading from dataset %q", ds.Name())
		}
		if len(labels) != 1 {
			return nil, errors.Errorf("strategy: dataset %q yielded %d labels tensors, expected 1", ds.Name(), len(labels))
		}
		result, err := s.Evaluate(inputs, labels[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating dataset %q", ds.Name())
		}
		n := float64(result.NumExamples)
		total.Loss += result.Loss * n
		total.L2Loss += result.L2Loss * n
		total.Accuracy += result.Accuracy * n
		total.CategoricalError += result.CategoricalError * n
		total.NumExamples += result.NumExamples
		total.GlobalStep = result.GlobalStep
	}
	if total.NumExamples == 0 {
		return nil, errors.Errorf("strategy: dataset %q yielded no examples", ds.Name())
	}
	n := float64(total.NumExamples)
	total.Loss /= n
	total.L2Loss /= n
	total.Accuracy /= n
	total.CategoricalError /= n
	total.Duration = time.Since(start)
	return total, nil
}

// RunSteps executes the given number of training steps with batches yielded by ds.
// Hooks are called after each step, in order. It returns the result of the last step.
//
// It is an error if ds reaches its end (io.EOF) before all steps are run: use an infinite dataset.
func (s *ImageClassification) RunSteps(ds train.Dataset, steps int, hooks ...StepHook) (*StepResult, error) {
	var last *StepResult
	for step := range steps {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return last, errors.Errorf("strategy: reached dataset %q end after %d steps (requested %d steps)",
				ds.Name(), step, steps)
		}
		if err != nil {
			return last, errors.WithMessagef(err, "strategy: RunSteps(%d): failed reading from dataset %q", steps, ds.Name())
		}
		if len(labels) != 1 {
			return last, errors.Errorf("strategy: dataset %q yielded %d labels tensors, expected 1", ds.Name(), len(labels))
		}
		last, err = s.TrainStep(inputs, labels[0])
		if err != nil {
			return last, errors.WithMessagef(err, "RunSteps(%d) at step %d", steps, step)
		}
		for _, hook := range hooks {
			if err = hook(s, last); err != nil {
				return last, errors.WithMessagef(err, "RunSteps(%d): hook failed at step %d", steps, step)
			}
		}
	}
	klog.V(1).Infof("strategy: ran %d steps, global step is %d", steps, globalStepOf(last))
	return last, nil
}

func globalStepOf(result *StepResult) int64 {
	if result == nil {
		return 0
	}
	return result.GlobalStep
}

// run executes exec and converts its outputs.
func (s *ImageClassification) run(exec *context.Exec, training bool, inputs []*tensors.Tensor, labels *tensors.Tensor) (
	*StepResult, error) {
	if len(inputs) == 0 {
		return nil, errors.New("no inputs given")
	}
	if labels == nil {
		return nil, errors.New("labels are nil")
	}
	if labels.Shape().Rank() == 0 {
		return nil, errors.Errorf("labels must have a batch axis, got %s", labels.Shape())
	}
	if err := checkLabelsRange(labels, s.model.NumClasses()); err != nil {
		return nil, err
	}
	args := make([]any, 0, len(inputs)+1)
	for _, input := range inputs {
		args = append(args, input)
	}
	args = append(args, labels)

	start := time.Now()
	var (
		outputs []*tensors.Tensor
		g       *Graph
	)
	err := exceptions.TryCatch[error](func() {
		var execErr error
		outputs, g, execErr = exec.ExecWithGraph(args...)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, t := range outputs {
			_ = t.FinalizeAll()
		}
	}()

	s.mu.Lock()
	ops := s.graphOps[g]
	s.mu.Unlock()
	if ops == nil {
		return nil, errors.New("executed graph was not built by the strategy")
	}
	if len(outputs) != numScalarOutputs+len(ops.summaries) {
		return nil, errors.Errorf("expected %d outputs, got %d", numScalarOutputs+len(ops.summaries), len(outputs))
	}

	result := &StepResult{
		NumExamples:      labels.Shape().Dimensions[0],
		Loss:             tensors.ToScalar[float64](outputs[0]),
		L2Loss:           tensors.ToScalar[float64](outputs[1]),
		Accuracy:         tensors.ToScalar[float64](outputs[2]),
		CategoricalError: tensors.ToScalar[float64](outputs[3]),
		GlobalStep:       int64(tensors.ToScalar[float64](outputs[4])),
	}
	if training && len(ops.summaries) > 0 {
		now := time.Now()
		result.Summaries = make([]summary.Event, 0, len(ops.summaries))
		for ii, sNode := range ops.summaries {
			event := summary.Event{Step: result.GlobalStep, Name: sNode.Name, Kind: sNode.Kind, Time: now}
			values := tensors.MustCopyFlatData[float64](outputs[numScalarOutputs+ii])
			if sNode.Kind == summary.KindScalar {
				event.Value = values[0]
			} else {
				event.Stats = summary.StatsFromSlice(values)
			}
			result.Summaries = append(result.Summaries, event)
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

// checkLabelsRange returns an error if integer labels (class indices) are not in [0, numClasses).
// Out-of-range indices would be one-hot encoded as rows of zeros, silently contributing a 0 loss.
// Dense (float) labels are not checked.
func checkLabelsRange(labels *tensors.Tensor, numClasses int) error {
	switch labels.Shape().DType {
	case dtypes.Int8:
		return checkIndices(tensors.MustCopyFlatData[int8](labels), numClasses)
	case dtypes.Int16:
		return checkIndices(tensors.MustCopyFlatData[int16](labels), numClasses)
	case dtypes.Int32:
		return checkIndices(tensors.MustCopyFlatData[int32](labels), numClasses)
	case dtypes.Int64:
		return checkIndices(tensors.MustCopyFlatData[int64](labels), numClasses)
	case dtypes.Uint8:
		return checkIndices(tensors.MustCopyFlatData[uint8](labels), numClasses)
	case dtypes.Uint16:
		return checkIndices(tensors.MustCopyFlatData[uint16](labels), numClasses)
	case dtypes.Uint32:
		return checkIndices(tensors.MustCopyFlatData[uint32](labels), numClasses)
	case dtypes.Uint64:
		return checkIndices(tensors.MustCopyFlatData[uint64](labels), numClasses)
	}
	return nil
}

func checkIndices[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64](indices []T, numClasses int) error {
	for ii, index := range indices {
		if int64(index) < 0 || uint64(index) >= uint64(numClasses) {
			return errors.Errorf("label #%d is %d, out of range for %d classes", ii, index, numClasses)
		}
	}
	return nil
}
