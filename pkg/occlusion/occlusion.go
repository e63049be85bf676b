// Package occlusion measures how much each region of an image contributes to
// a classifier's top prediction by blacking the region out and recording
// the relative drop in the winning class probability.
package occlusion

import (
	"context"
	"fmt"
	"image"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/menta2k/saliency-explainer/pkg/model"
	"github.com/menta2k/saliency-explainer/pkg/regions"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// Evaluator runs occlusion sensitivity analysis
type Evaluator struct {
	config Config
}

// Config holds configuration for occlusion analysis
type Config struct {
	// InputShape is the image shape the model expects. Zero means the
	// model's own InputShape.
	InputShape tensor.Shape
	// ExcludeBackground leaves the pixels labelled regions.Background
	// untouched instead of scoring them as one more region.
	ExcludeBackground bool
	// FillValue replaces every channel of occluded pixels.
	FillValue float64
	// Workers bounds the number of perturbed inferences in flight. Values
	// below 1 mean 1.
	Workers int
}

// New creates an Evaluator with default configuration
func New() *Evaluator {
	return &Evaluator{config: Config{Workers: 1}}
}

// NewWithConfig creates an Evaluator with custom configuration
func NewWithConfig(config Config) *Evaluator {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Evaluator{config: config}
}

// RegionScore is the outcome of occluding one region
type RegionScore struct {
	ID     int `json:"id"`
	Pixels int `json:"pixels"`
	// Probability of the winning class with the region occluded.
	Probability float64 `json:"probability"`
	// Sensitivity is (baseline - occluded) / baseline. Negative when
	// occlusion made the class more likely.
	Sensitivity float64 `json:"sensitivity"`
}

// Result contains an occlusion explanation
type Result struct {
	Class    int
	Baseline []float64
	Regions  []RegionScore
	// Raw holds the sensitivity of the region every pixel belongs to.
	// Pixels outside every evaluated region are zero.
	Raw *mat.Dense
	// Heatmap is Raw divided by its maximum and scaled to [0,255].
	Heatmap *image.Gray
}

// RGB broadcasts the heatmap to three equal channels
func (r *Result) RGB() *image.NRGBA {
	b := r.Heatmap.Bounds()
	out := image.NewNRGBA(b)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := r.Heatmap.Pix[y*r.Heatmap.Stride+x]
			i := y*out.Stride + x*4
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = v, v, v, 255
		}
	}
	return out
}

// Evaluate explains the model's top prediction for img. One baseline
// inference fixes the winning class; then every region of p is occluded in
// its own copy of the image and inferred again. img is never modified.
func (e *Evaluator) Evaluate(ctx context.Context, m model.Classifier, img *tensor.Volume, p *regions.Partition) (*Result, error) {
	if img == nil || p == nil {
		return nil, fmt.Errorf("%w: image and partition are required", types.ErrInvalidInputShape)
	}
	shape := e.config.InputShape
	if shape.IsZero() {
		shape = m.InputShape()
	}
	if err := model.CheckShape(img.Shape, shape); err != nil {
		return nil, err
	}
	if p.Height != shape.Height || p.Width != shape.Width {
		return nil, fmt.Errorf("%w: partition is %dx%d, image is %dx%d",
			types.ErrInvalidInputShape, p.Height, p.Width, shape.Height, shape.Width)
	}

	ids, err := e.regionIDs(p)
	if err != nil {
		return nil, err
	}

	batch, err := tensor.NewBatch(img)
	if err != nil {
		return nil, err
	}
	baseline, err := model.PredictOne(ctx, m, batch)
	if err != nil {
		return nil, err
	}
	class := model.ArgMax(baseline)
	base := baseline[class]
	if base <= 0 {
		return nil, fmt.Errorf("winning class probability is %v: %w", base, types.ErrDegenerateNormalization)
	}

	groups := p.Groups()
	scores := make([]RegionScore, len(ids))
	raw := mat.NewDense(shape.Height, shape.Width, nil)
	rawData := raw.RawMatrix().Data

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for i, id := range ids {
		g.Go(func() error {
			pixels := groups[id]
			occluded := batch.Clone()
			item := occluded.Item(0)
			for _, px := range pixels {
				item.FillPixel(px, e.config.FillValue)
			}

			probs, err := model.PredictOne(gctx, m, occluded)
			if err != nil {
				return err
			}
			if len(probs) != len(baseline) {
				return fmt.Errorf("region %d: model returned %d classes, baseline had %d", id, len(probs), len(baseline))
			}

			s := (base - probs[class]) / base
			scores[i] = RegionScore{ID: id, Pixels: len(pixels), Probability: probs[class], Sensitivity: s}
			for _, px := range pixels {
				rawData[px] = s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	heatmap, err := toGray(raw)
	if err != nil {
		return nil, err
	}

	return &Result{
		Class:    class,
		Baseline: baseline,
		Regions:  scores,
		Raw:      raw,
		Heatmap:  heatmap,
	}, nil
}

// regionIDs lists the ids to occlude. Background counts as a region unless
// excluded, but a partition with nothing besides background is empty.
func (e *Evaluator) regionIDs(p *regions.Partition) ([]int, error) {
	all := p.IDs()
	foreground := slices.DeleteFunc(slices.Clone(all), func(id int) bool { return id == regions.Background })
	if len(foreground) == 0 {
		return nil, types.ErrEmptyPartition
	}
	if e.config.ExcludeBackground {
		return foreground, nil
	}
	return all, nil
}

// toGray divides raw by its maximum and scales to 8 bits, truncating.
// Negative sensitivities map to 0.
func toGray(raw *mat.Dense) (*image.Gray, error) {
	rows, cols := raw.Dims()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if v := raw.At(y, x); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite sensitivity %v at (%d,%d)", types.ErrDegenerateNormalization, v, y, x)
			}
		}
	}
	maxVal := mat.Max(raw)
	if maxVal <= 0 {
		return nil, types.ErrDegenerateNormalization
	}

	out := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := raw.At(y, x) / maxVal * 255
			if v < 0 {
				v = 0
			}
			out.Pix[y*out.Stride+x] = uint8(v)
		}
	}
	return out, nil
}
