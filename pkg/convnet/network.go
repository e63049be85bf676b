// Package convnet is a small pure-Go convolutional classifier with
// reverse-mode differentiation. It implements every capability in
// pkg/model, so it can be explained with both Grad-CAM and occlusion, and
// serves as the reference backend when no external runtime is available.
//
// Volumes are channel-last; a network is a plain sequence of layers whose
// names are the identifiers accepted by LayerOutput and Record.
package convnet

import (
	"context"
	"fmt"

	"github.com/menta2k/saliency-explainer/pkg/model"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// Network is a sequential stack of layers
type Network struct {
	input  tensor.Shape
	layers []Layer
	shapes []tensor.Shape
	index  map[string]int
}

var _ model.Model = (*Network)(nil)

// New validates the layer stack against the input shape and returns a
// ready network. Layer names must be unique; unnamed layers cannot be
// inspected.
func New(input tensor.Shape, layers ...Layer) (*Network, error) {
	if !input.Valid() {
		return nil, fmt.Errorf("%w: network input %s", types.ErrInvalidInputShape, input)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("network needs at least one layer")
	}

	n := &Network{
		input:  input,
		layers: layers,
		shapes: make([]tensor.Shape, len(layers)),
		index:  make(map[string]int),
	}

	shape := input
	for i, l := range layers {
		out, err := l.build(shape)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		n.shapes[i] = out
		shape = out

		if name := l.Name(); name != "" {
			if _, dup := n.index[name]; dup {
				return nil, fmt.Errorf("duplicate layer name %q", name)
			}
			n.index[name] = i
		}
	}
	return n, nil
}

// InputShape returns the single-image shape the network accepts
func (n *Network) InputShape() tensor.Shape {
	return n.input
}

// Layers returns the layer stack
func (n *Network) Layers() []Layer {
	return n.layers
}

// LayerShape returns the output shape of the named layer
func (n *Network) LayerShape(name string) (tensor.Shape, error) {
	i, err := n.layerIndex(name)
	if err != nil {
		return tensor.Shape{}, err
	}
	return n.shapes[i], nil
}

func (n *Network) layerIndex(name string) (int, error) {
	i, ok := n.index[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrUnknownLayer, name)
	}
	return i, nil
}

// forward returns the output of every layer for one image
func (n *Network) forward(in *tensor.Volume) []*tensor.Volume {
	acts := make([]*tensor.Volume, len(n.layers))
	cur := in
	for i, l := range n.layers {
		cur = l.Forward(cur)
		acts[i] = cur
	}
	return acts
}

func (n *Network) checkBatch(batch *tensor.Batch) error {
	if batch == nil || batch.N <= 0 {
		return fmt.Errorf("%w: empty batch", types.ErrInvalidInputShape)
	}
	return model.CheckShape(batch.Shape, n.input)
}

func checkSingle(batch *tensor.Batch) error {
	if batch.N != 1 {
		return fmt.Errorf("%w: batch of %d, want a single image", types.ErrInvalidInputShape, batch.N)
	}
	return nil
}

// Predict returns the final layer output of every batch item
func (n *Network) Predict(ctx context.Context, batch *tensor.Batch) ([][]float64, error) {
	if err := n.checkBatch(batch); err != nil {
		return nil, err
	}
	out := make([][]float64, batch.N)
	for i := 0; i < batch.N; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		acts := n.forward(batch.Item(i))
		out[i] = acts[len(acts)-1].Data
	}
	return out, nil
}

// LayerOutput returns the named layer's output for a single-image batch
func (n *Network) LayerOutput(ctx context.Context, layer string, batch *tensor.Batch) (*tensor.Volume, error) {
	i, err := n.layerIndex(layer)
	if err != nil {
		return nil, err
	}
	if err := n.checkBatch(batch); err != nil {
		return nil, err
	}
	if err := checkSingle(batch); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.forward(batch.Item(0))[i], nil
}

// Record runs one forward pass and keeps every intermediate output so that
// gradients of the predictions with respect to layer can be taken later.
func (n *Network) Record(ctx context.Context, layer string, batch *tensor.Batch) (model.Tape, error) {
	i, err := n.layerIndex(layer)
	if err != nil {
		return nil, err
	}
	if err := n.checkBatch(batch); err != nil {
		return nil, err
	}
	if err := checkSingle(batch); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &tape{net: n, acts: n.forward(batch.Item(0)), target: i}, nil
}

type tape struct {
	net    *Network
	acts   []*tensor.Volume
	target int
}

func (t *tape) Activation() *tensor.Volume {
	return t.acts[t.target]
}

func (t *tape) Predictions() []float64 {
	return t.acts[len(t.acts)-1].Data
}

// Gradient back-propagates a one-hot seed on class from the network output
// down to the recorded layer.
func (t *tape) Gradient(class int) (*tensor.Volume, error) {
	last := len(t.acts) - 1
	if err := model.CheckClass(class, t.acts[last].Data); err != nil {
		return nil, err
	}

	grad := tensor.NewVolume(t.acts[last].Shape)
	grad.Data[class] = 1

	for i := last; i > t.target; i-- {
		in := t.acts[i-1]
		grad = t.net.layers[i].Backward(in, t.acts[i], grad)
	}
	return grad, nil
}
