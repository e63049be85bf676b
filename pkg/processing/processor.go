// Package processing loads images and region masks from disk or the web,
// converts them into model input volumes and writes explanation artifacts.
package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/saliency-explainer/pkg/regions"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

// maxDownloadSize caps remote image downloads
const maxDownloadSize = 64 << 20

// Processor handles image input and output
type Processor struct {
	client *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{client: &http.Client{Timeout: 30 * time.Second}}
}

// LoadImageFromURL downloads and decodes an image
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Saliency-Explainer/1.0 (+https://github.com/menta2k/saliency-explainer)")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return decode(data)
}

// LoadImage reads an image file. WebP is decoded explicitly when the
// registered decoders fail.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

func decode(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// ToVolume resizes img to the model input resolution and converts it into
// a channel-last volume with intensities in [0,1]
func (p *Processor) ToVolume(img image.Image, shape tensor.Shape) (*tensor.Volume, error) {
	b := img.Bounds()
	if b.Dx() != shape.Width || b.Dy() != shape.Height {
		img = imaging.Resize(img, shape.Width, shape.Height, imaging.Lanczos)
	}
	return tensor.FromImage(img, shape.Channels)
}

// LoadPartition reads a segmentation mask and resizes it to the model input
// with nearest-neighbour sampling so region ids are never blended
func (p *Processor) LoadPartition(path string, shape tensor.Shape) (*regions.Partition, error) {
	img, err := p.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load region mask: %w", err)
	}
	b := img.Bounds()
	if b.Dx() != shape.Width || b.Dy() != shape.Height {
		img = imaging.Resize(img, shape.Width, shape.Height, imaging.NearestNeighbor)
	}
	return regions.FromLabelImage(img), nil
}

// EncodeBase64 encodes an image for vision language models, shrinking it
// so the long side is at most maxDim (0 keeps the original size)
func (p *Processor) EncodeBase64(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		if w, h := b.Dx(), b.Dy(); w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// SaveImage saves an image to a file with the specified format and quality.
// Formats other than webp are those imaging can encode (jpg, png, gif, bmp,
// tiff); anything else is rejected before the file is created.
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "webp" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := webp.Encode(f, img, &webp.Options{Lossless: lossless, Quality: float32(quality)}); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}

	imgFormat, err := imaging.FormatFromExtension(format)
	if err != nil {
		return fmt.Errorf("cannot save %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := imaging.Encode(f, img, imgFormat, imaging.JPEGQuality(quality)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
