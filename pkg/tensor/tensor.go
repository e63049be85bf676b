// Package tensor holds the dense float arrays exchanged between models and
// the explanation algorithms.
//
// Every array is stored channel-last in row-major order, so element
// (y, x, c) of a Volume lives at index (y*Width+x)*Channels+c. This layout
// lets a Volume be viewed without copying as a (Height*Width)×Channels gonum
// matrix, which is what the Grad-CAM contraction operates on.
package tensor

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/mat"
)

// Shape describes the spatial extent and channel count of a single image
type Shape struct {
	Height   int `json:"height"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// Size returns the number of elements of a volume with this shape
func (s Shape) Size() int {
	return s.Height * s.Width * s.Channels
}

// Pixels returns the number of spatial positions
func (s Shape) Pixels() int {
	return s.Height * s.Width
}

// IsZero reports whether no dimension has been set
func (s Shape) IsZero() bool {
	return s == Shape{}
}

// Valid reports whether every dimension is positive
func (s Shape) Valid() bool {
	return s.Height > 0 && s.Width > 0 && s.Channels > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Height, s.Width, s.Channels)
}

// Volume is a 3-D (height, width, channels) array
type Volume struct {
	Shape Shape
	Data  []float64
}

// NewVolume allocates a zeroed volume
func NewVolume(shape Shape) *Volume {
	return &Volume{Shape: shape, Data: make([]float64, shape.Size())}
}

// VolumeFrom wraps data without copying. It fails when the length of data
// does not match the shape.
func VolumeFrom(shape Shape, data []float64) (*Volume, error) {
	if len(data) != shape.Size() {
		return nil, fmt.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	return &Volume{Shape: shape, Data: data}, nil
}

// Index returns the flat offset of element (y, x, c)
func (v *Volume) Index(y, x, c int) int {
	return (y*v.Shape.Width+x)*v.Shape.Channels + c
}

// At returns element (y, x, c)
func (v *Volume) At(y, x, c int) float64 {
	return v.Data[v.Index(y, x, c)]
}

// Set assigns element (y, x, c)
func (v *Volume) Set(y, x, c int, value float64) {
	v.Data[v.Index(y, x, c)] = value
}

// Clone returns a deep copy
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Shape: v.Shape, Data: data}
}

// Matrix views the volume as a (Height*Width)×Channels matrix sharing the
// same backing array.
func (v *Volume) Matrix() *mat.Dense {
	return mat.NewDense(v.Shape.Pixels(), v.Shape.Channels, v.Data)
}

// FillPixel sets every channel of the pixel at flat spatial index p
func (v *Volume) FillPixel(p int, value float64) {
	c := v.Shape.Channels
	for i := p * c; i < (p+1)*c; i++ {
		v.Data[i] = value
	}
}

// Batch is a 4-D (batch, height, width, channels) array, the input shape
// models consume.
type Batch struct {
	N     int
	Shape Shape
	Data  []float64
}

// NewBatch stacks copies of the given volumes into a batch. All volumes
// must share one shape.
func NewBatch(items ...*Volume) (*Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("batch needs at least one item")
	}
	shape := items[0].Shape
	b := &Batch{N: len(items), Shape: shape, Data: make([]float64, 0, len(items)*shape.Size())}
	for i, item := range items {
		if item.Shape != shape {
			return nil, fmt.Errorf("batch item %d has shape %s, want %s", i, item.Shape, shape)
		}
		b.Data = append(b.Data, item.Data...)
	}
	return b, nil
}

// Item returns a view of the i-th image. Writes through the view modify
// the batch.
func (b *Batch) Item(i int) *Volume {
	size := b.Shape.Size()
	return &Volume{Shape: b.Shape, Data: b.Data[i*size : (i+1)*size]}
}

// Clone returns a deep copy
func (b *Batch) Clone() *Batch {
	data := make([]float64, len(b.Data))
	copy(data, b.Data)
	return &Batch{N: b.N, Shape: b.Shape, Data: data}
}

// FromImage converts an image into a volume with intensities in [0,1].
// channels selects 1 (luma) or 3 (RGB).
func FromImage(img image.Image, channels int) (*Volume, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	src := imaging.Clone(img)
	bounds := src.Bounds()
	v := NewVolume(Shape{Height: bounds.Dy(), Width: bounds.Dx(), Channels: channels})

	for y := 0; y < v.Shape.Height; y++ {
		for x := 0; x < v.Shape.Width; x++ {
			i := y*src.Stride + x*4
			r := float64(src.Pix[i]) / 255.0
			g := float64(src.Pix[i+1]) / 255.0
			b := float64(src.Pix[i+2]) / 255.0
			if channels == 1 {
				v.Set(y, x, 0, 0.299*r+0.587*g+0.114*b)
				continue
			}
			v.Set(y, x, 0, r)
			v.Set(y, x, 1, g)
			v.Set(y, x, 2, b)
		}
	}
	return v, nil
}

// Image renders a volume with values in [0,1] back to an 8-bit image.
// Values outside the range are clamped.
func (v *Volume) Image() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, v.Shape.Width, v.Shape.Height))
	for y := 0; y < v.Shape.Height; y++ {
		for x := 0; x < v.Shape.Width; x++ {
			var c color.NRGBA
			if v.Shape.Channels >= 3 {
				c = color.NRGBA{R: toByte(v.At(y, x, 0)), G: toByte(v.At(y, x, 1)), B: toByte(v.At(y, x, 2)), A: 255}
			} else {
				g := toByte(v.At(y, x, 0))
				c = color.NRGBA{R: g, G: g, B: g, A: 255}
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func toByte(f float64) uint8 {
	if f <= 0 {
		return 0
	}
	if f >= 1 {
		return 255
	}
	return uint8(f*255 + 0.5)
}
