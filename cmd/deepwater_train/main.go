// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// deepwater_train trains an image classifier on synthetic images with strategy.ImageClassification.
//
// Every class has a random template image, and examples are noisy copies of the template of their class.
// Hyperparameters are set with -set, e.g.:
//
//	deepwater_train -model=fnn -steps=2000 -set="weight_decay=1e-4;add_summaries=true;fnn_num_hidden_layers=2"
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/gomlx/deepwater/pkg/ml/classifiers"
	"github.com/gomlx/deepwater/pkg/ml/strategy"
	"github.com/gomlx/deepwater/pkg/ml/summary"
	"github.com/gomlx/deepwater/ui/commandline"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModel       = flag.String("model", "fnn", "Classifier to train: \"logistic\" or \"fnn\".")
	flagSteps       = flag.Int("steps", 1000, "Number of training steps.")
	flagBatchSize   = flag.Int("batch", 32, "Batch size for training.")
	flagNumExamples = flag.Int("examples", 2048, "Number of synthetic examples to generate, 1/4 of them are used for evaluation.")
	flagNumClasses  = flag.Int("classes", 10, "Number of classes of the synthetic images.")
	flagImageSize   = flag.Int("image_size", 8, "Width and height of the synthetic images.")
	flagNoise       = flag.Float64("noise", 1.0, "Standard deviation of the noise added to the synthetic images.")
	flagSeed        = flag.Int64("seed", 42, "Seed for the generation of the synthetic images.")
	flagSummaryDir  = flag.String("summary_dir", "", "If set, summaries are enabled and written to this directory.")
	flagPlot        = flag.String("plot", "", "If set (and summaries are enabled), the loss curve is saved to this PNG file.")
	flagVerbose     = flag.Bool("verbose", false, "Print the context settings and the model variables.")
)

// createDefaultContext returns a context with the default hyperparameters, which can be changed with -set.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    optimizers.AdamDefaultLearningRate,
		strategy.ParamWeightDecay:       strategy.DefaultWeightDecay,
		strategy.ParamAddSummaries:      false,
		strategy.ParamMaxNormConstraint: 0.0,
		fnn.ParamNumHiddenLayers:        1,
		fnn.ParamNumHiddenNodes:         64,
		activations.ParamActivation:     "relu",
		classifiers.ParamDropoutRate:    0.0,
	})
	return ctx
}

func main() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagSummaryDir != "" {
		ctx.SetParam(strategy.ParamAddSummaries, true)
		ctx.SetParam(strategy.ParamSummaryDir, *flagSummaryDir)
	}
	if *flagVerbose {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	err := exceptions.TryCatch[error](func() { trainModel(ctx) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func trainModel(ctx *context.Context) {
	backend := backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())

	// Data.
	images, labels := must.M2(syntheticImages(backend, *flagNumExamples, *flagNumClasses, *flagImageSize, *flagNoise, *flagSeed))
	trainDS, evalDS := must.M2(splitDatasets(backend, images, labels, *flagBatchSize))
	fmt.Printf("Data: images %s, labels %s\n", images.Shape(), labels.Shape())

	// Model and strategy.
	model := must.M1(classifiers.ByName(*flagModel, *flagNumClasses))
	if fnnModel, ok := model.(*classifiers.FNNModel); ok {
		fnnModel.WithDropout(context.GetParamOr(ctx, classifiers.ParamDropoutRate, 0.0))
	}
	s := must.M1(strategy.New(backend, ctx, model, optimizers.FromContext(ctx)).FromContext().Done())
	defer func() { must.M(s.Finalize()) }()

	// Training.
	pBar := commandline.NewProgressBar(*flagSteps, func() (string, string) {
		lr, err := s.LearningRate()
		if err != nil {
			return "Learning rate", "n/a"
		}
		return "Learning rate", fmt.Sprintf("%.3g", lr)
	})
	_, err := s.RunSteps(trainDS, *flagSteps, pBar.OnStep)
	pBar.Done()
	must.M(err)

	if *flagVerbose {
		fmt.Println(commandline.VariablesTable(ctx))
	}
	must.M(commandline.ReportEval(os.Stdout, s, evalDS))

	// Summaries.
	if s.SummariesEnabled() {
		events := s.Summaries().Events()
		fmt.Println(summary.TableForScalars(lastEvents(events, 10)))
		if path := s.Summaries().Path(); path != "" {
			fmt.Printf("Summaries written to %s\n", path)
		}
		if *flagPlot != "" {
			must.M(summary.RenderScalars(events, "loss", *flagPlot))
			fmt.Printf("Loss plot saved to %s\n", *flagPlot)
		}
	} else if *flagPlot != "" {
		klog.Warningf("-plot=%q ignored: it requires summaries, enable them with -summary_dir or -set=%s=true",
			*flagPlot, strategy.ParamAddSummaries)
	}
}

// splitDatasets uses the first 3/4 of the examples for training and the rest for evaluation.
// The training dataset is shuffled and infinite.
func splitDatasets(backend backends.Backend, images, labels *tensors.Tensor, batchSize int) (
	trainDS, evalDS *datasets.InMemoryDataset, err error) {
	numExamples := images.Shape().Dimensions[0]
	numTrain := numExamples * 3 / 4
	if numTrain == 0 || numTrain == numExamples {
		return nil, nil, errors.Errorf("not enough examples (%d) to split into train and eval datasets", numExamples)
	}
	trainImages, evalImages := splitExamples[float32](images, numTrain)
	trainLabels, evalLabels := splitExamples[int32](labels, numTrain)
	trainDS, err = datasets.InMemoryFromData(backend, "train", []any{trainImages}, []any{trainLabels})
	if err != nil {
		return nil, nil, err
	}
	evalDS, err = datasets.InMemoryFromData(backend, "eval", []any{evalImages}, []any{evalLabels})
	if err != nil {
		return nil, nil, err
	}
	trainDS.BatchSize(batchSize, true).Shuffle().Infinite(true)
	evalDS.BatchSize(batchSize, false)
	return trainDS, evalDS, nil
}

// splitExamples splits t along the batch axis (the first) into its first n examples and the remaining ones.
func splitExamples[T dtypes.Supported](t *tensors.Tensor, n int) (first, second *tensors.Tensor) {
	dims := t.Shape().Dimensions
	data := tensors.MustCopyFlatData[T](t)
	exampleSize := len(data) / dims[0]
	firstDims, secondDims := slices.Clone(dims), slices.Clone(dims)
	firstDims[0], secondDims[0] = n, dims[0]-n
	first = tensors.FromFlatDataAndDimensions(data[:n*exampleSize], firstDims...)
	second = tensors.FromFlatDataAndDimensions(data[n*exampleSize:], secondDims...)
	return
}

// lastEvents returns the events of the last n steps.
func lastEvents(events []summary.Event, n int) []summary.Event {
	steps := make(map[int64]bool)
	for ii := len(events) - 1; ii >= 0; ii-- {
		steps[events[ii].Step] = true
		if len(steps) > n {
			return events[ii+1:]
		}
	}
	return events
}
