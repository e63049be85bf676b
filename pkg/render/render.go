// Package render turns saliency heatmaps into images: gray intensity maps,
// colourized overlays on the explained picture and plotted figures.
package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"

	"github.com/menta2k/saliency-explainer/pkg/regions"
)

// ColorMaps lists the colour maps a Renderer can use by name
var ColorMaps = map[string]func() palette.ColorMap{
	"blackbody": moreland.ExtendedBlackBody,
	"kindlmann": moreland.ExtendedKindlmann,
	"bluered":   func() palette.ColorMap { return moreland.SmoothBlueRed() },
}

// Renderer draws heatmaps
type Renderer struct {
	config Config
}

// Config holds configuration for rendering
type Config struct {
	// ColorMap names an entry of ColorMaps.
	ColorMap string
	// Opacity of the heatmap over the image, in [0,1].
	Opacity float64
	// BoxColor and BoxStroke outline region boxes.
	BoxColor  color.NRGBA
	BoxStroke int
}

// DefaultConfig returns the default rendering configuration
func DefaultConfig() Config {
	return Config{
		ColorMap:  "blackbody",
		Opacity:   0.5,
		BoxColor:  color.NRGBA{0, 255, 0, 255},
		BoxStroke: 1,
	}
}

// New creates a Renderer with default configuration
func New() *Renderer {
	return &Renderer{config: DefaultConfig()}
}

// NewWithConfig creates a Renderer with custom configuration
func NewWithConfig(config Config) *Renderer {
	return &Renderer{config: config}
}

// Intensity scales a heatmap with values in [0,1] to 8 bits, truncating.
// Values outside the range are clipped.
func Intensity(m *mat.Dense) *image.Gray {
	rows, cols := m.Dims()
	out := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := m.At(y, x)
			switch {
			case v <= 0 || math.IsNaN(v):
				v = 0
			case v >= 1:
				v = 1
			}
			out.Pix[y*out.Stride+x] = uint8(v * 255)
		}
	}
	return out
}

// Upsample resizes a gray heatmap to width x height with bilinear filtering
func Upsample(g *image.Gray, width, height int) *image.Gray {
	b := g.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return g
	}
	resized := imaging.Resize(g, width, height, imaging.Linear)
	out := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Pix[y*out.Stride+x] = resized.Pix[y*resized.Stride+x*4]
		}
	}
	return out
}

// Colorize maps every intensity of g through the configured colour map
func (r *Renderer) Colorize(g *image.Gray) (*image.NRGBA, error) {
	lut, err := r.lookup()
	if err != nil {
		return nil, err
	}
	b := g.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := lut[g.GrayAt(b.Min.X+x, b.Min.Y+y).Y]
			i := y*out.Stride + x*4
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = c.R, c.G, c.B, 255
		}
	}
	return out, nil
}

func (r *Renderer) lookup() ([256]color.NRGBA, error) {
	var lut [256]color.NRGBA
	newMap, ok := ColorMaps[r.config.ColorMap]
	if !ok {
		return lut, fmt.Errorf("unknown color map %q", r.config.ColorMap)
	}
	cm := newMap()
	cm.SetMax(1)
	cm.SetMin(0)
	for i := range lut {
		c, err := cm.At(float64(i) / 255)
		if err != nil {
			return lut, fmt.Errorf("color map %q: %w", r.config.ColorMap, err)
		}
		lut[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
	}
	return lut, nil
}

// Overlay colourizes heat, stretches it over img and blends the two
func (r *Renderer) Overlay(img image.Image, heat *image.Gray) (*image.NRGBA, error) {
	b := img.Bounds()
	colored, err := r.Colorize(Upsample(heat, b.Dx(), b.Dy()))
	if err != nil {
		return nil, err
	}
	return imaging.Overlay(imaging.Clone(img), colored, image.Pt(0, 0), r.config.Opacity), nil
}

// DrawBoxes outlines boxes given in a srcW x srcH coordinate frame, scaled
// to the size of img
func (r *Renderer) DrawBoxes(img *image.NRGBA, boxes []regions.Box, srcW, srcH int) {
	if srcW <= 0 || srcH <= 0 {
		return
	}
	b := img.Bounds()
	sx := float64(b.Dx()) / float64(srcW)
	sy := float64(b.Dy()) / float64(srcH)
	for _, box := range boxes {
		x0 := int(math.Round(float64(box.X0) * sx))
		y0 := int(math.Round(float64(box.Y0) * sy))
		x1 := int(math.Round(float64(box.X1) * sx))
		y1 := int(math.Round(float64(box.Y1) * sy))
		for s := 0; s < r.config.BoxStroke; s++ {
			drawHLine(img, y0+s, x0, x1, r.config.BoxColor)
			drawHLine(img, y1-1-s, x0, x1, r.config.BoxColor)
			drawVLine(img, x0+s, y0, y1, r.config.BoxColor)
			drawVLine(img, x1-1-s, y0, y1, r.config.BoxColor)
		}
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if y < 0 || y >= h {
		return
	}
	x0, x1 = max(x0, 0), min(x1, w)
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if x < 0 || x >= w {
		return
	}
	y0, y1 = max(y0, 0), min(y1, h)
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}
