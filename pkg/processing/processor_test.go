package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < width/2 {
				img.Set(x, y, color.NRGBA{255, 0, 0, 255})
			} else {
				img.Set(x, y, color.NRGBA{0, 0, 255, 255})
			}
		}
	}
	return img
}

func TestToVolume(t *testing.T) {
	p := NewProcessor()
	shape := tensor.Shape{Height: 4, Width: 8, Channels: 3}

	v, err := p.ToVolume(createTestImage(8, 4), shape)
	require.NoError(t, err)
	assert.Equal(t, shape, v.Shape)
	assert.Equal(t, 1.0, v.At(0, 0, 0))
	assert.Equal(t, 0.0, v.At(0, 0, 2))
	assert.Equal(t, 1.0, v.At(3, 7, 2))

	resized, err := p.ToVolume(createTestImage(64, 32), shape)
	require.NoError(t, err)
	assert.Equal(t, shape, resized.Shape)
}

func TestSaveAndLoad(t *testing.T) {
	p := NewProcessor()
	dir := t.TempDir()

	for _, format := range []string{"png", "jpg", "webp", "bmp", "gif", "tiff"} {
		path := filepath.Join(dir, "img."+format)
		require.NoError(t, p.SaveImage(createTestImage(16, 8), path, format, 90, true), format)

		img, err := p.LoadImage(path)
		require.NoError(t, err, format)
		assert.Equal(t, 16, img.Bounds().Dx(), format)
		assert.Equal(t, 8, img.Bounds().Dy(), format)
	}
}

func TestSaveImageEncodesRequestedFormat(t *testing.T) {
	p := NewProcessor()
	path := filepath.Join(t.TempDir(), "mislabelled.jpg")

	require.NoError(t, p.SaveImage(createTestImage(4, 4), path, "png", 90, false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestSaveImageErrors(t *testing.T) {
	p := NewProcessor()
	dir := t.TempDir()

	for _, format := range []string{"xyz", ""} {
		path := filepath.Join(dir, "img."+format)
		assert.Error(t, p.SaveImage(createTestImage(4, 4), path, format, 90, false), format)
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "no file is created for %q", format)
	}

	missing := filepath.Join(dir, "missing", "img")
	for _, format := range []string{"webp", "png", "jpg"} {
		assert.Error(t, p.SaveImage(createTestImage(4, 4), missing+"."+format, format, 90, false), format)
	}
}

func TestLoadPartitionUsesNearestNeighbour(t *testing.T) {
	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 2; x < 4; x++ {
			mask.SetGray(x, y, color.Gray{Y: 9})
		}
	}
	path := filepath.Join(t.TempDir(), "mask.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, mask))
	require.NoError(t, f.Close())

	part, err := NewProcessor().LoadPartition(path, tensor.Shape{Height: 8, Width: 8, Channels: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 9}, part.IDs())
	assert.Equal(t, 9, part.At(7, 7))
	assert.Equal(t, 0, part.At(0, 0))
}

func TestLoadImageFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/text" {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("nope"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, createTestImage(5, 3))
	}))
	defer srv.Close()

	p := NewProcessor()
	img, err := p.LoadImageSmart(context.Background(), srv.URL+"/img.png")
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())

	_, err = p.LoadImageSmart(context.Background(), srv.URL+"/text")
	assert.Error(t, err)

	_, err = p.LoadImageFromURL(context.Background(), "ftp://example.com/a.png")
	assert.Error(t, err)
}

func TestEncodeBase64Shrinks(t *testing.T) {
	enc, err := NewProcessor().EncodeBase64(createTestImage(200, 100), "png", 50, 85)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytesReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 25, cfg.Height)
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }
