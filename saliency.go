// Package saliency explains the predictions of image classifiers with
// saliency heatmaps.
//
// Two methods are provided. Occlusion analysis blacks out one region of the
// image at a time and measures how much the winning class probability
// drops; it works with any classifier. Grad-CAM weights the channels of a
// convolutional layer by the gradient of the class score and needs a
// differentiable model.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		"github.com/menta2k/saliency-explainer"
//		"github.com/menta2k/saliency-explainer/pkg/convnet"
//	)
//
//	func main() {
//		net, err := convnet.Load("net.json")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		explainer := saliency.New()
//		img, err := explainer.LoadImage(context.Background(), "cat.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		ex, err := explainer.GradCAM(context.Background(), net, img, "conv2", saliency.TopClass)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		overlay, err := explainer.Overlay(img, ex)
//		if err != nil {
//			log.Fatal(err)
//		}
//		if err := explainer.SaveImage(overlay, "cat_gradcam.png"); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// The building blocks live in their own packages:
//
//   - pkg/regions: grid boxes and region partitions
//   - pkg/occlusion: occlusion sensitivity analysis
//   - pkg/gradcam: gradient-weighted class activation maps
//   - pkg/convnet and pkg/onnx: model backends
//   - pkg/render: overlays and figures
package saliency

import (
	"context"
	"fmt"
	"image"

	"gonum.org/v1/gonum/mat"

	"github.com/menta2k/saliency-explainer/internal/utils"
	"github.com/menta2k/saliency-explainer/pkg/gradcam"
	"github.com/menta2k/saliency-explainer/pkg/model"
	"github.com/menta2k/saliency-explainer/pkg/occlusion"
	"github.com/menta2k/saliency-explainer/pkg/processing"
	"github.com/menta2k/saliency-explainer/pkg/regions"
	"github.com/menta2k/saliency-explainer/pkg/render"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// Version of the saliency library
const Version = "1.0.0"

// TopClass asks GradCAM to explain the winning class
const TopClass = -1

// Method names an explanation technique
type Method string

const (
	MethodOcclusion Method = "occlusion"
	MethodGradCAM   Method = "gradcam"
)

// Explainer provides a high-level interface over both explanation methods
type Explainer struct {
	config    Config
	processor *processing.Processor
	occlusion *occlusion.Evaluator
	gradcam   *gradcam.Mapper
	renderer  *render.Renderer
}

// Config holds the configuration of every component
type Config struct {
	Grid      GridConfig
	Occlusion occlusion.Config
	GradCAM   gradcam.Config
	Render    render.Config
	// Boxes outlines grid regions on occlusion overlays.
	Boxes bool
	// Quality applies to JPEG and WebP output.
	Quality int
}

// GridConfig describes the square occlusion regions used when no partition
// is supplied
type GridConfig struct {
	Stride float64
	Size   int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Grid:      GridConfig{Stride: 1, Size: 32},
		Occlusion: occlusion.Config{Workers: 1},
		Render:    render.DefaultConfig(),
		Quality:   90,
	}
}

// New creates an Explainer with default configuration
func New() *Explainer {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates an Explainer with custom configuration
func NewWithConfig(config Config) *Explainer {
	return &Explainer{
		config:    config,
		processor: processing.NewProcessor(),
		occlusion: occlusion.NewWithConfig(config.Occlusion),
		gradcam:   gradcam.NewWithConfig(config.GradCAM),
		renderer:  render.NewWithConfig(config.Render),
	}
}

// Explanation is the outcome of either method
type Explanation struct {
	Method      Method    `json:"method"`
	Class       int       `json:"class"`
	Probability float64   `json:"probability"`
	Predictions []float64 `json:"predictions"`
	// Layer is set for Grad-CAM.
	Layer string `json:"layer,omitempty"`
	// Regions and Boxes are set for occlusion. Boxes is empty when a
	// custom partition was supplied.
	Regions []occlusion.RegionScore `json:"regions,omitempty"`
	Boxes   []regions.Box           `json:"boxes,omitempty"`

	// Heatmap holds values in [0,1] at the resolution it was computed at:
	// the model input for occlusion, the layer output for Grad-CAM.
	Heatmap *mat.Dense `json:"-"`
	// Gray is Heatmap scaled to 8 bits.
	Gray *image.Gray `json:"-"`
}

// LoadImage loads an image from a file path or URL
func (e *Explainer) LoadImage(ctx context.Context, source string) (image.Image, error) {
	return e.processor.LoadImageSmart(ctx, source)
}

// LoadPartition loads a region mask sized for the model input
func (e *Explainer) LoadPartition(path string, shape tensor.Shape) (*regions.Partition, error) {
	return e.processor.LoadPartition(path, shape)
}

// SaveImage saves an image, choosing the format from the file extension
func (e *Explainer) SaveImage(img image.Image, path string) error {
	return e.processor.SaveImage(img, path, utils.GetFileExtension(path), e.config.Quality, false)
}

// Occlusion explains the top prediction of m for img. img is resized to the
// model input. A nil partition occludes the configured grid of boxes.
func (e *Explainer) Occlusion(ctx context.Context, m model.Classifier, img image.Image, p *regions.Partition) (*Explanation, error) {
	shape := e.config.Occlusion.InputShape
	if shape.IsZero() {
		shape = m.InputShape()
	}
	v, err := e.processor.ToVolume(img, shape)
	if err != nil {
		return nil, err
	}

	var boxes []regions.Box
	if p == nil {
		boxes = regions.BuildGrid(e.config.Grid.Stride, e.config.Grid.Size, shape)
		if len(boxes) == 0 {
			return nil, fmt.Errorf("grid stride %v and size %d produce no regions: %w",
				e.config.Grid.Stride, e.config.Grid.Size, types.ErrEmptyPartition)
		}
		p = regions.Rasterize(boxes, shape.Height, shape.Width)
	}

	res, err := e.occlusion.Evaluate(ctx, m, v, p)
	if err != nil {
		return nil, err
	}

	heat := mat.DenseCopyOf(res.Raw)
	maxVal := mat.Max(heat)
	heat.Apply(func(_, _ int, v float64) float64 { return max(v/maxVal, 0) }, heat)

	return &Explanation{
		Method:      MethodOcclusion,
		Class:       res.Class,
		Probability: res.Baseline[res.Class],
		Predictions: res.Baseline,
		Regions:     res.Regions,
		Boxes:       boxes,
		Heatmap:     heat,
		Gray:        res.Heatmap,
	}, nil
}

// GradCAM explains class (or the winning class for TopClass) at the named
// layer. An empty layer uses the configured one. m must be differentiable;
// inference-only backends fail with types.ErrGradientUnsupported.
func (e *Explainer) GradCAM(ctx context.Context, m model.Classifier, img image.Image, layer string, class int) (*Explanation, error) {
	d, ok := m.(model.Differentiable)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot record gradients", types.ErrGradientUnsupported, m)
	}
	v, err := e.processor.ToVolume(img, m.InputShape())
	if err != nil {
		return nil, err
	}
	batch, err := tensor.NewBatch(v)
	if err != nil {
		return nil, err
	}

	var res *gradcam.Result
	if class == TopClass {
		res, err = e.gradcam.Explain(ctx, d, batch, layer)
	} else {
		res, err = e.gradcam.ExplainClass(ctx, d, batch, layer, class)
	}
	if err != nil {
		return nil, err
	}

	return &Explanation{
		Method:      MethodGradCAM,
		Class:       res.Class,
		Probability: res.Predictions[res.Class],
		Predictions: res.Predictions,
		Layer:       res.Layer,
		Heatmap:     res.Heatmap,
		Gray:        render.Intensity(res.Heatmap),
	}, nil
}

// Explain runs the given method. layer and class only apply to Grad-CAM,
// p only to occlusion.
func (e *Explainer) Explain(ctx context.Context, method Method, m model.Classifier, img image.Image, layer string, class int, p *regions.Partition) (*Explanation, error) {
	switch method {
	case MethodOcclusion:
		return e.Occlusion(ctx, m, img, p)
	case MethodGradCAM:
		return e.GradCAM(ctx, m, img, layer, class)
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// Overlay blends the explanation heatmap over img
func (e *Explainer) Overlay(img image.Image, ex *Explanation) (*image.NRGBA, error) {
	out, err := e.renderer.Overlay(img, ex.Gray)
	if err != nil {
		return nil, err
	}
	if e.config.Boxes && len(ex.Boxes) > 0 {
		b := ex.Gray.Bounds()
		e.renderer.DrawBoxes(out, ex.Boxes, b.Dx(), b.Dy())
	}
	return out, nil
}

// SaveFigure plots the heatmap to path (png, svg or pdf)
func (e *Explainer) SaveFigure(ex *Explanation, title, path string) error {
	return e.renderer.SaveFigure(ex.Heatmap, title, path)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
