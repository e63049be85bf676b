// Package model defines the capabilities an image classifier must expose to
// be explained. A backend implements only what it can: inference-only
// runtimes satisfy Classifier and LayerInspector, while differentiable
// backends also implement Differentiable for Grad-CAM.
package model

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/saliency-explainer/pkg/tensor"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// Classifier maps a batch of images to one class-probability vector per item
type Classifier interface {
	Predict(ctx context.Context, batch *tensor.Batch) ([][]float64, error)
	// InputShape is the single-image shape Predict expects.
	InputShape() tensor.Shape
}

// LayerInspector exposes the output of a named intermediate layer
type LayerInspector interface {
	LayerOutput(ctx context.Context, layer string, batch *tensor.Batch) (*tensor.Volume, error)
}

// Differentiable runs a forward pass while recording what is needed to
// differentiate the class probabilities with respect to one layer's output.
type Differentiable interface {
	Record(ctx context.Context, layer string, batch *tensor.Batch) (Tape, error)
}

// Tape holds the result of one recorded forward pass over a single image
type Tape interface {
	// Activation is the recorded layer output.
	Activation() *tensor.Volume
	// Predictions is the class-probability vector of the same pass.
	Predictions() []float64
	// Gradient returns d Predictions()[class] / d Activation(), shaped like
	// the activation.
	Gradient(class int) (*tensor.Volume, error)
}

// Model is the full capability set
type Model interface {
	Classifier
	LayerInspector
	Differentiable
}

// ArgMax returns the index of the largest probability ("winning class")
func ArgMax(probs []float64) int {
	if len(probs) == 0 {
		return -1
	}
	return floats.MaxIdx(probs)
}

// CheckShape verifies that a single image matches the expected input shape
func CheckShape(got, want tensor.Shape) error {
	if got != want {
		return fmt.Errorf("%w: image is %s, model expects %s", types.ErrInvalidInputShape, got, want)
	}
	return nil
}

// CheckClass verifies that class indexes probs
func CheckClass(class int, probs []float64) error {
	if class < 0 || class >= len(probs) {
		return fmt.Errorf("%w: %d not in [0,%d)", types.ErrInvalidClass, class, len(probs))
	}
	return nil
}

// PredictOne runs a batch of one and returns its probability vector
func PredictOne(ctx context.Context, m Classifier, batch *tensor.Batch) ([]float64, error) {
	out, err := m.Predict(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(out) != batch.N || len(out[0]) == 0 {
		return nil, fmt.Errorf("model returned %d prediction vectors for a batch of %d", len(out), batch.N)
	}
	return out[0], nil
}
