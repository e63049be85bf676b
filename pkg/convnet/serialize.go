package convnet

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

// Layer type identifiers used in network files
const (
	TypeConv2D        = "conv2d"
	TypeMaxPool2D     = "maxpool2d"
	TypeGlobalAvgPool = "global_avg_pool"
	TypeDense         = "dense"
	TypeSoftmax       = "softmax"
)

// Spec is the JSON description of a network and its weights
type Spec struct {
	Input  tensor.Shape `json:"input"`
	Layers []LayerSpec  `json:"layers"`
}

// LayerSpec describes one layer. Fields not used by the layer type are ignored.
type LayerSpec struct {
	Type       string     `json:"type"`
	Name       string     `json:"name,omitempty"`
	Filters    int        `json:"filters,omitempty"`
	KernelSize int        `json:"kernel_size,omitempty"`
	Stride     int        `json:"stride,omitempty"`
	Padding    int        `json:"padding,omitempty"`
	Size       int        `json:"size,omitempty"`
	Units      int        `json:"units,omitempty"`
	Activation Activation `json:"activation,omitempty"`
	Weights    []float64  `json:"weights,omitempty"`
	Bias       []float64  `json:"bias,omitempty"`
}

// Build creates the network a spec describes. Weights must be present.
func (s Spec) Build() (*Network, error) {
	layers := make([]Layer, 0, len(s.Layers))
	for i, ls := range s.Layers {
		l, err := ls.layer()
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, l)
	}
	return New(s.Input, layers...)
}

func (ls LayerSpec) layer() (Layer, error) {
	switch ls.Type {
	case TypeConv2D:
		return &Conv2D{
			LayerName:  ls.Name,
			Filters:    ls.Filters,
			KernelSize: ls.KernelSize,
			Stride:     ls.Stride,
			Padding:    ls.Padding,
			Activation: ls.Activation,
			Kernel:     ls.Weights,
			Bias:       ls.Bias,
		}, nil
	case TypeMaxPool2D:
		return &MaxPool2D{LayerName: ls.Name, Size: ls.Size, Stride: ls.Stride}, nil
	case TypeGlobalAvgPool:
		return &GlobalAvgPool{LayerName: ls.Name}, nil
	case TypeDense:
		return &Dense{
			LayerName:  ls.Name,
			Units:      ls.Units,
			Activation: ls.Activation,
			Weights:    ls.Weights,
			Bias:       ls.Bias,
		}, nil
	case TypeSoftmax:
		return &Softmax{LayerName: ls.Name}, nil
	default:
		return nil, fmt.Errorf("unknown layer type %q", ls.Type)
	}
}

// Initialize fills in missing weights with He-uniform values drawn from a
// generator seeded with seed, and zero biases. Layers that already carry
// weights are left untouched.
func (s *Spec) Initialize(seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	shape := s.Input

	for i := range s.Layers {
		ls := &s.Layers[i]
		switch ls.Type {
		case TypeConv2D:
			fanIn := ls.KernelSize * ls.KernelSize * shape.Channels
			if ls.Weights == nil {
				ls.Weights = heUniform(rng, ls.Filters*fanIn, fanIn)
			}
			if ls.Bias == nil {
				ls.Bias = make([]float64, ls.Filters)
			}
		case TypeDense:
			fanIn := shape.Size()
			if ls.Weights == nil {
				ls.Weights = heUniform(rng, ls.Units*fanIn, fanIn)
			}
			if ls.Bias == nil {
				ls.Bias = make([]float64, ls.Units)
			}
		}

		l, err := ls.layer()
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		out, err := l.build(shape)
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		shape = out
	}
	return nil
}

func heUniform(rng *rand.Rand, n, fanIn int) []float64 {
	limit := math.Sqrt(6 / float64(fanIn))
	w := make([]float64, n)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return w
}

// Decode reads a network spec from JSON and builds it
func Decode(r io.Reader) (*Network, error) {
	var spec Spec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to parse network: %w", err)
	}
	return spec.Build()
}

// Load reads a network file
func Load(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open network file: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// Spec returns the description of the network, weights included
func (n *Network) Spec() Spec {
	spec := Spec{Input: n.input, Layers: make([]LayerSpec, 0, len(n.layers))}
	for _, l := range n.layers {
		var ls LayerSpec
		switch l := l.(type) {
		case *Conv2D:
			ls = LayerSpec{Type: TypeConv2D, Name: l.LayerName, Filters: l.Filters, KernelSize: l.KernelSize,
				Stride: l.Stride, Padding: l.Padding, Activation: l.Activation, Weights: l.Kernel, Bias: l.Bias}
		case *MaxPool2D:
			ls = LayerSpec{Type: TypeMaxPool2D, Name: l.LayerName, Size: l.Size, Stride: l.Stride}
		case *GlobalAvgPool:
			ls = LayerSpec{Type: TypeGlobalAvgPool, Name: l.LayerName}
		case *Dense:
			ls = LayerSpec{Type: TypeDense, Name: l.LayerName, Units: l.Units, Activation: l.Activation,
				Weights: l.Weights, Bias: l.Bias}
		case *Softmax:
			ls = LayerSpec{Type: TypeSoftmax, Name: l.LayerName}
		}
		spec.Layers = append(spec.Layers, ls)
	}
	return spec
}

// Save writes the network to a JSON file
func (n *Network) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create network directory: %w", err)
	}

	data, err := json.MarshalIndent(n.Spec(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal network: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write network file: %w", err)
	}
	return nil
}
