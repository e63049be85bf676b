// Package regions builds the region partitions that drive occlusion
// analysis: regular grids of boxes, their rasterization into a label map,
// and label maps read from segmentation mask images.
//
// Coordinates follow image conventions throughout: X is the column, Y is
// the row, and ranges are half-open.
package regions

import (
	"fmt"
	"math"

	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

// Box is an axis-aligned rectangle covering columns [X0,X1) and rows [Y0,Y1)
type Box struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Width returns the number of columns
func (b Box) Width() int {
	return b.X1 - b.X0
}

// Height returns the number of rows
func (b Box) Height() int {
	return b.Y1 - b.Y0
}

func (b Box) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", b.X0, b.X1, b.Y0, b.Y1)
}

// BuildGrid tiles an image of the given shape with square cells of side
// size whose origins are spaced size*stride apart along both axes, starting
// at 0. Boxes are returned row-major (every column origin of the first row
// origin, then the next row) and are not clamped to the image, so cells on
// the right and bottom edges may overhang.
//
// A non-positive spacing yields no boxes.
func BuildGrid(stride float64, size int, shape tensor.Shape) []Box {
	step := float64(size) * stride
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil
	}

	xs := origins(shape.Width, step)
	ys := origins(shape.Height, step)

	boxes := make([]Box, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			boxes = append(boxes, Box{X0: x, Y0: y, X1: x + size, Y1: y + size})
		}
	}
	return boxes
}

// origins returns floor(i*step) for every i with i*step < extent
func origins(extent int, step float64) []int {
	if extent <= 0 {
		return nil
	}
	n := int(math.Ceil(float64(extent) / step))
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		v := float64(i) * step
		if v >= float64(extent) {
			break
		}
		out = append(out, int(math.Floor(v)))
	}
	return out
}

// GridSize returns the number of boxes BuildGrid produces for the arguments
func GridSize(stride float64, size int, shape tensor.Shape) int {
	step := float64(size) * stride
	if step <= 0 || shape.Width <= 0 || shape.Height <= 0 {
		return 0
	}
	return int(math.Ceil(float64(shape.Width)/step)) * int(math.Ceil(float64(shape.Height)/step))
}
