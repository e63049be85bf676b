// Package gradcam implements Gradient-weighted Class Activation Mapping.
//
// Grad-CAM weights every channel of a convolutional layer's output by the
// spatial mean of the gradient of a class probability with respect to that
// channel, sums the weighted channels, keeps the positive part and scales
// the result into [0,1]. The map has the spatial resolution of the layer.
package gradcam

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/menta2k/saliency-explainer/pkg/model"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// Mapper produces Grad-CAM heatmaps
type Mapper struct {
	config Config
}

// Config holds Grad-CAM options
type Config struct {
	// Layer is used when Explain is called with an empty layer name.
	Layer string
}

// New creates a Mapper with default configuration
func New() *Mapper {
	return &Mapper{}
}

// NewWithConfig creates a Mapper with custom configuration
func NewWithConfig(config Config) *Mapper {
	return &Mapper{config: config}
}

// Result contains a Grad-CAM explanation
type Result struct {
	Layer       string
	Class       int
	Predictions []float64
	// Weights holds the pooled gradient of every layer channel.
	Weights []float64
	// Heatmap is Height'×Width' with values in [0,1] and maximum 1.
	Heatmap *mat.Dense
}

// Explain computes the heatmap for the class the model ranks highest in
// the same forward pass that records the layer activation.
func (m *Mapper) Explain(ctx context.Context, d model.Differentiable, batch *tensor.Batch, layer string) (*Result, error) {
	return m.explain(ctx, d, batch, layer, -1)
}

// ExplainClass computes the heatmap for an explicit class index
func (m *Mapper) ExplainClass(ctx context.Context, d model.Differentiable, batch *tensor.Batch, layer string, class int) (*Result, error) {
	if class < 0 {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidClass, class)
	}
	return m.explain(ctx, d, batch, layer, class)
}

func (m *Mapper) explain(ctx context.Context, d model.Differentiable, batch *tensor.Batch, layer string, class int) (*Result, error) {
	if batch == nil || batch.N != 1 {
		return nil, fmt.Errorf("%w: grad-cam explains exactly one image", types.ErrInvalidInputShape)
	}
	if layer == "" {
		layer = m.config.Layer
	}

	tape, err := d.Record(ctx, layer, batch)
	if err != nil {
		return nil, err
	}

	preds := tape.Predictions()
	if class < 0 {
		class = model.ArgMax(preds)
	}
	if err := model.CheckClass(class, preds); err != nil {
		return nil, err
	}

	grads, err := tape.Gradient(class)
	if err != nil {
		return nil, err
	}
	act := tape.Activation()
	if grads.Shape != act.Shape {
		return nil, fmt.Errorf("gradient shape %s does not match activation %s", grads.Shape, act.Shape)
	}

	weights := PoolGradients(grads)
	heatmap, err := WeightedMap(act, weights)
	if err != nil {
		return nil, err
	}
	if err := Normalize(heatmap); err != nil {
		return nil, fmt.Errorf("layer %q class %d: %w", layer, class, err)
	}

	return &Result{
		Layer:       layer,
		Class:       class,
		Predictions: append([]float64(nil), preds...),
		Weights:     weights,
		Heatmap:     heatmap,
	}, nil
}

// PoolGradients averages the gradient of every channel over both spatial axes
func PoolGradients(grads *tensor.Volume) []float64 {
	g := grads.Matrix()
	_, channels := g.Dims()
	weights := make([]float64, channels)
	col := make([]float64, grads.Shape.Pixels())
	for c := range weights {
		mat.Col(col, c, g)
		weights[c] = stat.Mean(col, nil)
	}
	return weights
}

// WeightedMap contracts the channel axis of act with weights, producing a
// Height×Width map.
func WeightedMap(act *tensor.Volume, weights []float64) (*mat.Dense, error) {
	if len(weights) != act.Shape.Channels {
		return nil, fmt.Errorf("%d weights for %d channels", len(weights), act.Shape.Channels)
	}
	var flat mat.VecDense
	flat.MulVec(act.Matrix(), mat.NewVecDense(len(weights), weights))
	return mat.NewDense(act.Shape.Height, act.Shape.Width, flat.RawVector().Data), nil
}

// Normalize clips negative values to zero and divides by the maximum. A map
// without any positive entry, or with a NaN or infinite entry, cannot be
// normalized.
func Normalize(m *mat.Dense) error {
	rows, cols := m.Dims()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if v := m.At(y, x); math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite value %v at (%d,%d)", types.ErrDegenerateNormalization, v, y, x)
			}
		}
	}
	m.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, m)

	maxVal := mat.Max(m)
	if maxVal <= 0 {
		return types.ErrDegenerateNormalization
	}
	m.Apply(func(_, _ int, v float64) float64 {
		return v / maxVal
	}, m)
	return nil
}
