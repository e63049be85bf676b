package convnet

import (
	"fmt"
	"math"

	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

// Activation is an element-wise nonlinearity applied after a layer
type Activation string

const (
	Linear Activation = "linear"
	ReLU   Activation = "relu"
)

func (a Activation) apply(x float64) float64 {
	if a == ReLU && x < 0 {
		return 0
	}
	return x
}

// derivative is expressed in terms of the activated output
func (a Activation) derivative(y float64) float64 {
	if a == ReLU && y <= 0 {
		return 0
	}
	return 1
}

func (a Activation) valid() bool {
	return a == "" || a == Linear || a == ReLU
}

// Layer is one stage of a Network. Backward receives the stage input, the
// output Forward produced for it and the gradient of the loss with respect
// to that output, and returns the gradient with respect to the input.
type Layer interface {
	Name() string
	build(in tensor.Shape) (tensor.Shape, error)
	Forward(in *tensor.Volume) *tensor.Volume
	Backward(in, out, gradOut *tensor.Volume) *tensor.Volume
}

// Conv2D is a 2-D convolution. Kernel is laid out [filter][ky][kx][inChannel].
type Conv2D struct {
	LayerName  string
	Filters    int
	KernelSize int
	Stride     int
	Padding    int
	Activation Activation
	Kernel     []float64
	Bias       []float64

	in, out tensor.Shape
}

func (l *Conv2D) Name() string { return l.LayerName }

func (l *Conv2D) build(in tensor.Shape) (tensor.Shape, error) {
	if l.Stride <= 0 {
		l.Stride = 1
	}
	if l.Filters <= 0 || l.KernelSize <= 0 || l.Padding < 0 {
		return tensor.Shape{}, fmt.Errorf("conv2d %q: filters, kernel size and padding must be set", l.LayerName)
	}
	if !l.Activation.valid() {
		return tensor.Shape{}, fmt.Errorf("conv2d %q: unknown activation %q", l.LayerName, l.Activation)
	}
	outH := (in.Height+2*l.Padding-l.KernelSize)/l.Stride + 1
	outW := (in.Width+2*l.Padding-l.KernelSize)/l.Stride + 1
	if outH <= 0 || outW <= 0 {
		return tensor.Shape{}, fmt.Errorf("conv2d %q: kernel %d does not fit input %s", l.LayerName, l.KernelSize, in)
	}
	if want := l.Filters * l.KernelSize * l.KernelSize * in.Channels; len(l.Kernel) != want {
		return tensor.Shape{}, fmt.Errorf("conv2d %q: kernel has %d weights, want %d", l.LayerName, len(l.Kernel), want)
	}
	if len(l.Bias) != l.Filters {
		return tensor.Shape{}, fmt.Errorf("conv2d %q: bias has %d entries, want %d", l.LayerName, len(l.Bias), l.Filters)
	}
	l.in = in
	l.out = tensor.Shape{Height: outH, Width: outW, Channels: l.Filters}
	return l.out, nil
}

func (l *Conv2D) kernelIndex(f, ky, kx, c int) int {
	return ((f*l.KernelSize+ky)*l.KernelSize+kx)*l.in.Channels + c
}

func (l *Conv2D) Forward(in *tensor.Volume) *tensor.Volume {
	out := tensor.NewVolume(l.out)
	inC := l.in.Channels

	for oy := 0; oy < l.out.Height; oy++ {
		for ox := 0; ox < l.out.Width; ox++ {
			for f := 0; f < l.Filters; f++ {
				sum := l.Bias[f]
				for ky := 0; ky < l.KernelSize; ky++ {
					iy := oy*l.Stride + ky - l.Padding
					if iy < 0 || iy >= l.in.Height {
						continue
					}
					for kx := 0; kx < l.KernelSize; kx++ {
						ix := ox*l.Stride + kx - l.Padding
						if ix < 0 || ix >= l.in.Width {
							continue
						}
						base := in.Index(iy, ix, 0)
						k := l.kernelIndex(f, ky, kx, 0)
						for c := 0; c < inC; c++ {
							sum += in.Data[base+c] * l.Kernel[k+c]
						}
					}
				}
				out.Set(oy, ox, f, l.Activation.apply(sum))
			}
		}
	}
	return out
}

func (l *Conv2D) Backward(in, out, gradOut *tensor.Volume) *tensor.Volume {
	gradIn := tensor.NewVolume(l.in)
	inC := l.in.Channels

	for oy := 0; oy < l.out.Height; oy++ {
		for ox := 0; ox < l.out.Width; ox++ {
			for f := 0; f < l.Filters; f++ {
				g := gradOut.At(oy, ox, f) * l.Activation.derivative(out.At(oy, ox, f))
				if g == 0 {
					continue
				}
				for ky := 0; ky < l.KernelSize; ky++ {
					iy := oy*l.Stride + ky - l.Padding
					if iy < 0 || iy >= l.in.Height {
						continue
					}
					for kx := 0; kx < l.KernelSize; kx++ {
						ix := ox*l.Stride + kx - l.Padding
						if ix < 0 || ix >= l.in.Width {
							continue
						}
						base := gradIn.Index(iy, ix, 0)
						k := l.kernelIndex(f, ky, kx, 0)
						for c := 0; c < inC; c++ {
							gradIn.Data[base+c] += g * l.Kernel[k+c]
						}
					}
				}
			}
		}
	}
	return gradIn
}

// MaxPool2D keeps the largest value of each Size×Size window
type MaxPool2D struct {
	LayerName string
	Size      int
	Stride    int

	in, out tensor.Shape
}

func (l *MaxPool2D) Name() string { return l.LayerName }

func (l *MaxPool2D) build(in tensor.Shape) (tensor.Shape, error) {
	if l.Size <= 0 {
		return tensor.Shape{}, fmt.Errorf("maxpool2d %q: size must be positive", l.LayerName)
	}
	if l.Stride <= 0 {
		l.Stride = l.Size
	}
	outH := (in.Height-l.Size)/l.Stride + 1
	outW := (in.Width-l.Size)/l.Stride + 1
	if outH <= 0 || outW <= 0 {
		return tensor.Shape{}, fmt.Errorf("maxpool2d %q: window %d does not fit input %s", l.LayerName, l.Size, in)
	}
	l.in = in
	l.out = tensor.Shape{Height: outH, Width: outW, Channels: in.Channels}
	return l.out, nil
}

// scan walks a pooling window and returns the first position holding its maximum
func (l *MaxPool2D) scan(in *tensor.Volume, oy, ox, c int) (int, int) {
	y0, x0 := oy*l.Stride, ox*l.Stride
	my, mx := y0, x0
	best := in.At(y0, x0, c)
	for y := y0; y < y0+l.Size; y++ {
		for x := x0; x < x0+l.Size; x++ {
			if v := in.At(y, x, c); v > best {
				best, my, mx = v, y, x
			}
		}
	}
	return my, mx
}

func (l *MaxPool2D) Forward(in *tensor.Volume) *tensor.Volume {
	out := tensor.NewVolume(l.out)
	for oy := 0; oy < l.out.Height; oy++ {
		for ox := 0; ox < l.out.Width; ox++ {
			for c := 0; c < l.out.Channels; c++ {
				y, x := l.scan(in, oy, ox, c)
				out.Set(oy, ox, c, in.At(y, x, c))
			}
		}
	}
	return out
}

func (l *MaxPool2D) Backward(in, out, gradOut *tensor.Volume) *tensor.Volume {
	gradIn := tensor.NewVolume(l.in)
	for oy := 0; oy < l.out.Height; oy++ {
		for ox := 0; ox < l.out.Width; ox++ {
			for c := 0; c < l.out.Channels; c++ {
				y, x := l.scan(in, oy, ox, c)
				gradIn.Data[gradIn.Index(y, x, c)] += gradOut.At(oy, ox, c)
			}
		}
	}
	return gradIn
}

// GlobalAvgPool averages every channel over the spatial axes
type GlobalAvgPool struct {
	LayerName string

	in tensor.Shape
}

func (l *GlobalAvgPool) Name() string { return l.LayerName }

func (l *GlobalAvgPool) build(in tensor.Shape) (tensor.Shape, error) {
	l.in = in
	return tensor.Shape{Height: 1, Width: 1, Channels: in.Channels}, nil
}

func (l *GlobalAvgPool) Forward(in *tensor.Volume) *tensor.Volume {
	out := tensor.NewVolume(tensor.Shape{Height: 1, Width: 1, Channels: l.in.Channels})
	n := float64(l.in.Pixels())
	for p := 0; p < l.in.Pixels(); p++ {
		for c := 0; c < l.in.Channels; c++ {
			out.Data[c] += in.Data[p*l.in.Channels+c] / n
		}
	}
	return out
}

func (l *GlobalAvgPool) Backward(in, out, gradOut *tensor.Volume) *tensor.Volume {
	gradIn := tensor.NewVolume(l.in)
	n := float64(l.in.Pixels())
	for p := 0; p < l.in.Pixels(); p++ {
		for c := 0; c < l.in.Channels; c++ {
			gradIn.Data[p*l.in.Channels+c] = gradOut.Data[c] / n
		}
	}
	return gradIn
}

// Dense is a fully connected layer over the flattened input. Weights are
// laid out [unit][input].
type Dense struct {
	LayerName  string
	Units      int
	Activation Activation
	Weights    []float64
	Bias       []float64

	in tensor.Shape
}

func (l *Dense) Name() string { return l.LayerName }

func (l *Dense) build(in tensor.Shape) (tensor.Shape, error) {
	if l.Units <= 0 {
		return tensor.Shape{}, fmt.Errorf("dense %q: units must be positive", l.LayerName)
	}
	if !l.Activation.valid() {
		return tensor.Shape{}, fmt.Errorf("dense %q: unknown activation %q", l.LayerName, l.Activation)
	}
	if want := l.Units * in.Size(); len(l.Weights) != want {
		return tensor.Shape{}, fmt.Errorf("dense %q: %d weights, want %d", l.LayerName, len(l.Weights), want)
	}
	if len(l.Bias) != l.Units {
		return tensor.Shape{}, fmt.Errorf("dense %q: bias has %d entries, want %d", l.LayerName, len(l.Bias), l.Units)
	}
	l.in = in
	return tensor.Shape{Height: 1, Width: 1, Channels: l.Units}, nil
}

func (l *Dense) Forward(in *tensor.Volume) *tensor.Volume {
	out := tensor.NewVolume(tensor.Shape{Height: 1, Width: 1, Channels: l.Units})
	n := l.in.Size()
	for u := 0; u < l.Units; u++ {
		sum := l.Bias[u]
		row := l.Weights[u*n : (u+1)*n]
		for i, x := range in.Data {
			sum += row[i] * x
		}
		out.Data[u] = l.Activation.apply(sum)
	}
	return out
}

func (l *Dense) Backward(in, out, gradOut *tensor.Volume) *tensor.Volume {
	gradIn := tensor.NewVolume(l.in)
	n := l.in.Size()
	for u := 0; u < l.Units; u++ {
		g := gradOut.Data[u] * l.Activation.derivative(out.Data[u])
		if g == 0 {
			continue
		}
		row := l.Weights[u*n : (u+1)*n]
		for i := range gradIn.Data {
			gradIn.Data[i] += g * row[i]
		}
	}
	return gradIn
}

// Softmax turns the flattened input into a probability vector
type Softmax struct {
	LayerName string

	in tensor.Shape
}

func (l *Softmax) Name() string { return l.LayerName }

func (l *Softmax) build(in tensor.Shape) (tensor.Shape, error) {
	l.in = in
	return in, nil
}

func (l *Softmax) Forward(in *tensor.Volume) *tensor.Volume {
	out := tensor.NewVolume(l.in)
	maxVal := math.Inf(-1)
	for _, v := range in.Data {
		maxVal = math.Max(maxVal, v)
	}
	var sum float64
	for i, v := range in.Data {
		out.Data[i] = math.Exp(v - maxVal)
		sum += out.Data[i]
	}
	for i := range out.Data {
		out.Data[i] /= sum
	}
	return out
}

func (l *Softmax) Backward(in, out, gradOut *tensor.Volume) *tensor.Volume {
	gradIn := tensor.NewVolume(l.in)
	var dot float64
	for i, p := range out.Data {
		dot += gradOut.Data[i] * p
	}
	for i, p := range out.Data {
		gradIn.Data[i] = p * (gradOut.Data[i] - dot)
	}
	return gradIn
}
