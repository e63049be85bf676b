// Package onnx runs exported classifiers through ONNX Runtime.
//
// ONNX Runtime performs inference only, so a Session satisfies
// model.Classifier and model.LayerInspector and can be explained with
// occlusion analysis. Intermediate layers are reachable when the exported
// graph lists them as additional outputs.
package onnx

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/saliency-explainer/pkg/model"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// Layout is the memory order of image tensors inside the ONNX graph
type Layout string

const (
	NHWC Layout = "nhwc"
	NCHW Layout = "nchw"
)

// LayerBinding names the graph output that carries an intermediate layer
type LayerBinding struct {
	Output string       `json:"output"`
	Shape  tensor.Shape `json:"shape"`
}

// Config describes how to bind a model file
type Config struct {
	ModelPath  string
	InputName  string
	OutputName string
	InputShape tensor.Shape
	Classes    int
	Layout     Layout
	Layers     map[string]LayerBinding
	// Threads defaults to the number of CPUs.
	Threads int
}

// Init loads the ONNX Runtime shared library. It must be called once
// before NewSession.
func Init(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	return nil
}

// Shutdown releases the ONNX Runtime environment
func Shutdown() error {
	return ort.DestroyEnvironment()
}

// Session is a loaded model with preallocated input and output tensors.
// Runs are serialized; one Session serves one inference at a time.
type Session struct {
	mu      sync.Mutex
	config  Config
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	probs   *ort.Tensor[float32]
	layers  map[string]*ort.Tensor[float32]
}

var (
	_ model.Classifier     = (*Session)(nil)
	_ model.LayerInspector = (*Session)(nil)
)

// NewSession creates a session for the configured model
func NewSession(config Config) (*Session, error) {
	if !config.InputShape.Valid() {
		return nil, fmt.Errorf("%w: input shape %s", types.ErrInvalidInputShape, config.InputShape)
	}
	if config.Classes <= 0 {
		return nil, fmt.Errorf("class count must be positive")
	}
	if config.Layout == "" {
		config.Layout = NHWC
	}
	if config.Threads <= 0 {
		config.Threads = runtime.NumCPU()
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(config.Threads)
	options.SetInterOpNumThreads(config.Threads)

	s := &Session{config: config, layers: make(map[string]*ort.Tensor[float32])}

	s.input, err = ort.NewEmptyTensor[float32](shapeOf(config.InputShape, config.Layout))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	s.probs, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(config.Classes)))
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	outputNames := []string{config.OutputName}
	outputs := []ort.ArbitraryTensor{s.probs}
	for name, binding := range config.Layers {
		t, err := ort.NewEmptyTensor[float32](shapeOf(binding.Shape, config.Layout))
		if err != nil {
			s.Destroy()
			return nil, fmt.Errorf("error creating tensor for layer %q: %w", name, err)
		}
		s.layers[name] = t
		outputNames = append(outputNames, binding.Output)
		outputs = append(outputs, t)
	}

	s.session, err = ort.NewAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		outputNames,
		[]ort.ArbitraryTensor{s.input},
		outputs,
		options,
	)
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return s, nil
}

// Destroy releases the session and its tensors
func (s *Session) Destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.probs != nil {
		s.probs.Destroy()
	}
	for _, t := range s.layers {
		t.Destroy()
	}
}

// InputShape returns the single-image shape of the model input
func (s *Session) InputShape() tensor.Shape {
	return s.config.InputShape
}

// Predict runs every batch item through the model
func (s *Session) Predict(ctx context.Context, batch *tensor.Batch) ([][]float64, error) {
	if err := model.CheckShape(batch.Shape, s.config.InputShape); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]float64, batch.N)
	for i := 0; i < batch.N; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.run(batch.Item(i)); err != nil {
			return nil, err
		}
		probs := make([]float64, s.config.Classes)
		for c, p := range s.probs.GetData() {
			probs[c] = float64(p)
		}
		out[i] = probs
	}
	return out, nil
}

// LayerOutput runs a single image and returns the bound layer output
func (s *Session) LayerOutput(ctx context.Context, layer string, batch *tensor.Batch) (*tensor.Volume, error) {
	t, ok := s.layers[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not bound as a graph output", types.ErrUnknownLayer, layer)
	}
	if batch.N != 1 {
		return nil, fmt.Errorf("%w: batch of %d, want a single image", types.ErrInvalidInputShape, batch.N)
	}
	if err := model.CheckShape(batch.Shape, s.config.InputShape); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.run(batch.Item(0)); err != nil {
		return nil, err
	}
	return Unpack(t.GetData(), s.config.Layers[layer].Shape, s.config.Layout), nil
}

func (s *Session) run(v *tensor.Volume) error {
	Pack(v, s.input.GetData(), s.config.Layout)
	if err := s.session.Run(); err != nil {
		return fmt.Errorf("onnxruntime run: %w", err)
	}
	return nil
}

func shapeOf(s tensor.Shape, layout Layout) ort.Shape {
	if layout == NCHW {
		return ort.NewShape(1, int64(s.Channels), int64(s.Height), int64(s.Width))
	}
	return ort.NewShape(1, int64(s.Height), int64(s.Width), int64(s.Channels))
}

// Pack writes a channel-last volume into dst using the given layout
func Pack(v *tensor.Volume, dst []float32, layout Layout) {
	if layout != NCHW {
		for i, x := range v.Data {
			dst[i] = float32(x)
		}
		return
	}
	plane := v.Shape.Pixels()
	for p := 0; p < plane; p++ {
		for c := 0; c < v.Shape.Channels; c++ {
			dst[c*plane+p] = float32(v.Data[p*v.Shape.Channels+c])
		}
	}
}

// Unpack reads src laid out in layout into a channel-last volume
func Unpack(src []float32, shape tensor.Shape, layout Layout) *tensor.Volume {
	v := tensor.NewVolume(shape)
	if layout != NCHW {
		for i := range v.Data {
			v.Data[i] = float64(src[i])
		}
		return v
	}
	plane := shape.Pixels()
	for p := 0; p < plane; p++ {
		for c := 0; c < shape.Channels; c++ {
			v.Data[p*shape.Channels+c] = float64(src[c*plane+p])
		}
	}
	return v
}
