package render

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// paletteSize is the number of discrete colours in plotted figures
const paletteSize = 64

// grid adapts a heatmap to plotter.GridXYZ. Row 0 of the matrix is drawn
// at the top of the figure.
type grid struct {
	m *mat.Dense
}

func (g grid) Dims() (c, r int) {
	r, c = g.m.Dims()
	return c, r
}

func (g grid) Z(c, r int) float64 {
	rows, _ := g.m.Dims()
	return g.m.At(rows-1-r, c)
}

func (g grid) X(c int) float64 { return float64(c) }
func (g grid) Y(r int) float64 { return float64(r) }

// Figure builds a titled plot of a heatmap with values in [0,1]
func (r *Renderer) Figure(m *mat.Dense, title string) (*plot.Plot, error) {
	newMap, ok := ColorMaps[r.config.ColorMap]
	if !ok {
		return nil, fmt.Errorf("unknown color map %q", r.config.ColorMap)
	}
	cm := newMap()
	cm.SetMax(1)
	cm.SetMin(0)

	hm := plotter.NewHeatMap(grid{m}, cm.Palette(paletteSize))
	hm.Min, hm.Max = 0, 1

	p := plot.New()
	p.Title.Text = title
	p.Add(hm)
	p.HideAxes()
	return p, nil
}

// SaveFigure writes the plot of a heatmap. The format follows the file
// extension (png, svg, pdf).
func (r *Renderer) SaveFigure(m *mat.Dense, title, path string) error {
	p, err := r.Figure(m, title)
	if err != nil {
		return err
	}
	rows, cols := m.Dims()
	width := 6 * vg.Inch
	height := width * vg.Length(rows) / vg.Length(cols)
	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("failed to save figure: %w", err)
	}
	return nil
}
