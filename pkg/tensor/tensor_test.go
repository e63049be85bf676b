package tensor

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeLayout(t *testing.T) {
	v := NewVolume(Shape{Height: 2, Width: 3, Channels: 2})
	v.Set(1, 2, 1, 7)
	assert.Equal(t, 11, v.Index(1, 2, 1))
	assert.Equal(t, 7.0, v.Data[11])
	assert.Equal(t, "2x3x2", v.Shape.String())

	m := v.Matrix()
	rows, cols := m.Dims()
	assert.Equal(t, 6, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, 7.0, m.At(5, 1))

	// The matrix shares storage.
	m.Set(0, 0, 3)
	assert.Equal(t, 3.0, v.At(0, 0, 0))
}

func TestVolumeFromChecksLength(t *testing.T) {
	_, err := VolumeFrom(Shape{Height: 2, Width: 2, Channels: 1}, []float64{1, 2, 3})
	assert.Error(t, err)
}

func TestShapeValid(t *testing.T) {
	assert.True(t, Shape{Height: 1, Width: 1, Channels: 1}.Valid())
	assert.False(t, Shape{Height: 0, Width: 1, Channels: 1}.Valid())
	assert.True(t, Shape{}.IsZero())
}

func TestBatchCopiesInput(t *testing.T) {
	v := NewVolume(Shape{Height: 1, Width: 2, Channels: 1})
	v.Data[0] = 1

	b, err := NewBatch(v, v)
	require.NoError(t, err)
	assert.Equal(t, 2, b.N)

	b.Item(1).FillPixel(0, 9)
	assert.Equal(t, 1.0, v.Data[0], "source volume must not change")
	assert.Equal(t, 1.0, b.Item(0).Data[0])
	assert.Equal(t, 9.0, b.Item(1).Data[0])

	c := b.Clone()
	c.Item(0).FillPixel(1, 5)
	assert.Equal(t, 0.0, b.Item(0).Data[1])

	_, err = NewBatch(v, NewVolume(Shape{Height: 2, Width: 1, Channels: 1}))
	assert.Error(t, err)
	_, err = NewBatch()
	assert.Error(t, err)
}

func TestImageRoundTrip(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{255, 0, 51, 255})
	img.SetNRGBA(1, 0, color.NRGBA{0, 255, 0, 255})

	v, err := FromImage(img, 3)
	require.NoError(t, err)
	assert.Equal(t, Shape{Height: 1, Width: 2, Channels: 3}, v.Shape)
	assert.Equal(t, []float64{1, 0, 0.2, 0, 1, 0}, v.Data)
	assert.Equal(t, img.Pix, v.Image().Pix)

	gray, err := FromImage(img, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.587, gray.At(0, 1, 0), 1e-12)

	_, err = FromImage(img, 4)
	assert.Error(t, err)
}
