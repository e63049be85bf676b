package regions

import (
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/menta2k/saliency-explainer/pkg/types"
)

// Background is the region id left on pixels no box covers
const Background = 0

// Partition labels every pixel of an image with a region id
type Partition struct {
	Height int
	Width  int
	Labels []int
}

// NewPartition allocates a partition with every pixel on Background
func NewPartition(height, width int) *Partition {
	return &Partition{Height: height, Width: width, Labels: make([]int, height*width)}
}

// PartitionFrom wraps a row-major label slice without copying
func PartitionFrom(height, width int, labels []int) (*Partition, error) {
	if len(labels) != height*width {
		return nil, fmt.Errorf("%w: %d labels for a %dx%d partition", types.ErrInvalidInputShape, len(labels), height, width)
	}
	return &Partition{Height: height, Width: width, Labels: labels}, nil
}

// At returns the id of pixel (y, x)
func (p *Partition) At(y, x int) int {
	return p.Labels[y*p.Width+x]
}

// Set assigns the id of pixel (y, x)
func (p *Partition) Set(y, x, id int) {
	p.Labels[y*p.Width+x] = id
}

// IDs returns the distinct region ids in ascending order
func (p *Partition) IDs() []int {
	seen := make(map[int]struct{})
	for _, id := range p.Labels {
		seen[id] = struct{}{}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Groups maps every region id to the flat pixel indexes (y*Width+x) it covers
func (p *Partition) Groups() map[int][]int {
	groups := make(map[int][]int)
	for i, id := range p.Labels {
		groups[id] = append(groups[id], i)
	}
	return groups
}

// Mask returns a row-major boolean mask selecting the pixels of region id
func (p *Partition) Mask(id int) []bool {
	mask := make([]bool, len(p.Labels))
	for i, l := range p.Labels {
		mask[i] = l == id
	}
	return mask
}

// Rasterize paints boxes into a height×width partition. Box i receives id
// i+1 so Background stays reserved for unpainted pixels; later boxes
// overwrite earlier ones where they overlap. Boxes are clipped to the
// partition bounds.
func Rasterize(boxes []Box, height, width int) *Partition {
	p := NewPartition(height, width)
	for i, b := range boxes {
		x0, x1 := clip(b.X0, width), clip(b.X1, width)
		y0, y1 := clip(b.Y0, height), clip(b.Y1, height)
		for y := y0; y < y1; y++ {
			row := p.Labels[y*width : (y+1)*width]
			for x := x0; x < x1; x++ {
				row[x] = i + 1
			}
		}
	}
	return p
}

func clip(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

// FromLabelImage reads a segmentation mask image, using each pixel's gray
// level as its region id. Black pixels become Background.
func FromLabelImage(img image.Image) *Partition {
	bounds := img.Bounds()
	p := NewPartition(bounds.Dy(), bounds.Dx())
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			g := color.GrayModel.Convert(img.At(x+bounds.Min.X, y+bounds.Min.Y)).(color.Gray)
			p.Set(y, x, int(g.Y))
		}
	}
	return p
}

// Image renders the partition as a gray image, ids modulo 256
func (p *Partition) Image() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	for i, id := range p.Labels {
		out.Pix[(i/p.Width)*out.Stride+i%p.Width] = uint8(id)
	}
	return out
}
