package saliency

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/menta2k/saliency-explainer/pkg/convnet"
	"github.com/menta2k/saliency-explainer/pkg/regions"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// createTestImage creates a white image with a dark right half
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < width/2 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

func noiseImage(width, height int, seed int64) image.Image {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

// brightLeft is more confident in class 0 the brighter the left half is
type brightLeft struct{ shape tensor.Shape }

func (m brightLeft) InputShape() tensor.Shape { return m.shape }

func (m brightLeft) Predict(_ context.Context, b *tensor.Batch) ([][]float64, error) {
	out := make([][]float64, b.N)
	for i := range out {
		v := b.Item(i)
		var sum float64
		for y := 0; y < v.Shape.Height; y++ {
			for x := 0; x < v.Shape.Width/2; x++ {
				sum += v.At(y, x, 0)
			}
		}
		s := sum / float64(v.Shape.Height*v.Shape.Width/2)
		out[i] = []float64{0.5 + 0.4*s, 0.5 - 0.4*s}
	}
	return out, nil
}

func testNetwork(t *testing.T) *convnet.Network {
	t.Helper()
	spec := convnet.Spec{
		Input: tensor.Shape{Height: 16, Width: 16, Channels: 3},
		Layers: []convnet.LayerSpec{
			{Type: convnet.TypeConv2D, Name: "conv1", Filters: 4, KernelSize: 3, Padding: 1, Activation: convnet.ReLU},
			{Type: convnet.TypeMaxPool2D, Name: "pool1", Size: 2},
			{Type: convnet.TypeConv2D, Name: "conv2", Filters: 6, KernelSize: 3, Padding: 1, Activation: convnet.ReLU},
			{Type: convnet.TypeGlobalAvgPool},
			{Type: convnet.TypeDense, Units: 3},
			{Type: convnet.TypeSoftmax},
		},
	}
	require.NoError(t, spec.Initialize(7))
	net, err := spec.Build()
	require.NoError(t, err)
	return net
}

func TestNew(t *testing.T) {
	e := New()
	require.NotNil(t, e)
	assert.NotNil(t, e.processor)
	assert.NotNil(t, e.occlusion)
	assert.NotNil(t, e.gradcam)
	assert.NotNil(t, e.renderer)
	assert.Equal(t, "1.0.0", GetVersion())
}

func TestOcclusionGrid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grid = GridConfig{Stride: 1, Size: 4}
	e := NewWithConfig(cfg)
	m := brightLeft{shape: tensor.Shape{Height: 8, Width: 8, Channels: 3}}

	ex, err := e.Occlusion(context.Background(), m, createTestImage(32, 32), nil)
	require.NoError(t, err)

	assert.Equal(t, MethodOcclusion, ex.Method)
	assert.Equal(t, 0, ex.Class)
	assert.Len(t, ex.Boxes, 4)
	assert.Len(t, ex.Regions, 4)
	assert.Equal(t, 1.0, mat.Max(ex.Heatmap))
	assert.GreaterOrEqual(t, mat.Min(ex.Heatmap), 0.0)
	assert.Equal(t, image.Rect(0, 0, 8, 8), ex.Gray.Bounds())

	// The model ignores the right half.
	assert.Equal(t, 0.0, ex.Heatmap.At(0, 7))
	assert.Equal(t, uint8(255), ex.Gray.GrayAt(0, 0).Y)
}

func TestOcclusionPartition(t *testing.T) {
	shape := tensor.Shape{Height: 8, Width: 8, Channels: 3}
	p := regions.Rasterize([]regions.Box{{X0: 0, Y0: 0, X1: 4, Y1: 8}}, shape.Height, shape.Width)

	ex, err := New().Occlusion(context.Background(), brightLeft{shape: shape}, createTestImage(8, 8), p)
	require.NoError(t, err)
	assert.Empty(t, ex.Boxes)
	// The unpainted right half is scored as region 0.
	require.Len(t, ex.Regions, 2)
	assert.Equal(t, regions.Background, ex.Regions[0].ID)
	assert.Equal(t, 0.0, ex.Regions[0].Sensitivity)
	assert.Equal(t, 1, ex.Regions[1].ID)
	assert.Positive(t, ex.Regions[1].Sensitivity)
}

func TestOcclusionEmptyGrid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grid.Size = 0
	_, err := NewWithConfig(cfg).Occlusion(context.Background(), brightLeft{shape: tensor.Shape{Height: 8, Width: 8, Channels: 3}}, createTestImage(8, 8), nil)
	assert.ErrorIs(t, err, types.ErrEmptyPartition)
}

func TestGradCAMNeedsGradients(t *testing.T) {
	m := brightLeft{shape: tensor.Shape{Height: 8, Width: 8, Channels: 3}}
	_, err := New().GradCAM(context.Background(), m, createTestImage(8, 8), "conv", TopClass)
	assert.ErrorIs(t, err, types.ErrGradientUnsupported)
}

func TestGradCAMOnNetwork(t *testing.T) {
	net := testNetwork(t)
	e := New()
	ctx := context.Background()

	explained := 0
	for seed := int64(0); seed < 8; seed++ {
		img := noiseImage(40, 24, seed)
		ex, err := e.GradCAM(ctx, net, img, "conv2", TopClass)
		if errors.Is(err, types.ErrDegenerateNormalization) {
			continue
		}
		require.NoError(t, err)
		explained++

		assert.Equal(t, MethodGradCAM, ex.Method)
		assert.Equal(t, "conv2", ex.Layer)
		rows, cols := ex.Heatmap.Dims()
		assert.Equal(t, 8, rows)
		assert.Equal(t, 8, cols)
		assert.Equal(t, 1.0, mat.Max(ex.Heatmap))
		assert.Equal(t, ex.Predictions[ex.Class], ex.Probability)

		overlay, err := e.Overlay(img, ex)
		require.NoError(t, err)
		assert.Equal(t, img.Bounds(), overlay.Bounds())
	}
	assert.Positive(t, explained)

	_, err := e.GradCAM(ctx, net, noiseImage(16, 16, 1), "conv2", 3)
	assert.ErrorIs(t, err, types.ErrInvalidClass)
	_, err = e.GradCAM(ctx, net, noiseImage(16, 16, 1), "conv9", TopClass)
	assert.ErrorIs(t, err, types.ErrUnknownLayer)
}

func TestExplainDispatch(t *testing.T) {
	m := brightLeft{shape: tensor.Shape{Height: 8, Width: 8, Channels: 3}}
	cfg := DefaultConfig()
	cfg.Grid.Size = 4

	ex, err := NewWithConfig(cfg).Explain(context.Background(), MethodOcclusion, m, createTestImage(8, 8), "", TopClass, nil)
	require.NoError(t, err)
	assert.Equal(t, MethodOcclusion, ex.Method)

	_, err = New().Explain(context.Background(), "lime", m, createTestImage(8, 8), "", TopClass, nil)
	assert.Error(t, err)
}

func TestWriteArtifacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grid.Size = 4
	cfg.Boxes = true
	e := NewWithConfig(cfg)
	m := brightLeft{shape: tensor.Shape{Height: 8, Width: 8, Channels: 3}}
	img := createTestImage(32, 32)

	ex, err := e.Occlusion(context.Background(), m, img, nil)
	require.NoError(t, err)
	overlay, err := e.Overlay(img, ex)
	require.NoError(t, err)
	assert.Equal(t, cfg.Render.BoxColor, overlay.NRGBAAt(0, 0))

	dir := t.TempDir()
	for _, name := range []string{"overlay.png", "overlay.jpg", "overlay.webp"} {
		require.NoError(t, e.SaveImage(overlay, filepath.Join(dir, name)), name)
	}
	figure := filepath.Join(dir, "figure.svg")
	require.NoError(t, e.SaveFigure(ex, "occlusion", figure))
	_, err = os.Stat(figure)
	assert.NoError(t, err)
}

func TestSaveImageByExtension(t *testing.T) {
	e := New()
	dir := t.TempDir()
	img := createTestImage(8, 8)

	for _, name := range []string{"a.PNG", "b.jpeg", "c.bmp", "d.gif", "e.tif", "f.webp"} {
		path := filepath.Join(dir, name)
		require.NoError(t, e.SaveImage(img, path), name)
		loaded, err := e.LoadImage(context.Background(), path)
		require.NoError(t, err, name)
		assert.Equal(t, img.Bounds(), loaded.Bounds(), name)
	}

	assert.Error(t, e.SaveImage(img, filepath.Join(dir, "noext")))
	assert.Error(t, e.SaveImage(img, filepath.Join(dir, "x.xyz")))
}
