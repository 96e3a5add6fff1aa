// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// syntheticImages generates numExamples grayscale images shaped [numExamples, imageSize, imageSize, 1]
// and their labels shaped [numExamples] (int32).
//
// Each class has a random template image, and each example is the template of its class plus gaussian
// noise with the given standard deviation. Examples are assigned to classes in round-robin.
func syntheticImages(backend backends.Backend, numExamples, numClasses, imageSize int, noise float64, seed int64) (
	images, labels *tensors.Tensor, err error) {
	if numExamples <= 0 || numClasses <= 1 || imageSize <= 0 {
		return nil, nil, errors.Errorf("invalid synthetic data configuration: %d examples, %d classes, image size %d",
			numExamples, numClasses, imageSize)
	}
	labelsData := make([]int32, numExamples)
	for ii := range labelsData {
		labelsData[ii] = int32(ii % numClasses)
	}
	labels = tensors.FromValue(labelsData)

	rngState, err := RNGStateFromSeed(seed)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to create random number generator state")
	}
	err = exceptions.TryCatch[error](func() {
		exec := MustNewExec(backend, func(rngState, labels *Node) *Node {
			numPixels := imageSize * imageSize
			var templates, noiseValues *Node
			rngState, templates = RandomNormal(rngState, shapes.Make(dtypes.Float32, numClasses, numPixels))
			_, noiseValues = RandomNormal(rngState, shapes.Make(dtypes.Float32, numExamples, numPixels))
			x := MatMul(OneHot(labels, numClasses, dtypes.Float32), templates)
			x = Add(x, MulScalar(noiseValues, noise))
			return Reshape(x, numExamples, imageSize, imageSize, 1)
		})
		defer exec.Finalize()
		images = exec.MustExec(rngState, labels)[0]
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to generate synthetic images")
	}
	return images, labels, nil
}
