package onnx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/menta2k/saliency-explainer/pkg/model"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

// DefaultAcquireTimeout bounds the wait for a free session
const DefaultAcquireTimeout = 30 * time.Second

// runner is the part of a Session the pool hands out
type runner interface {
	model.Classifier
	model.LayerInspector
	Destroy()
}

// Pool spreads inference over several sessions of the same model so that
// concurrent callers, such as parallel occlusion workers, do not queue on a
// single session.
type Pool struct {
	sessions chan runner
	shape    tensor.Shape
	timeout  time.Duration

	mu     sync.Mutex
	closed bool
}

var (
	_ model.Classifier     = (*Pool)(nil)
	_ model.LayerInspector = (*Pool)(nil)
)

// NewPool creates size sessions for the configured model
func NewPool(config Config, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := newPool(config.InputShape, size)
	for i := 0; i < size; i++ {
		s, err := NewSession(config)
		if err != nil {
			p.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		p.sessions <- s
	}
	return p, nil
}

func newPool(shape tensor.Shape, size int) *Pool {
	return &Pool{
		sessions: make(chan runner, size),
		shape:    shape,
		timeout:  DefaultAcquireTimeout,
	}
}

// InputShape returns the single-image shape of the model input
func (p *Pool) InputShape() tensor.Shape {
	return p.shape
}

// Size is the number of sessions the pool holds
func (p *Pool) Size() int {
	return cap(p.sessions)
}

func (p *Pool) acquire(ctx context.Context) (runner, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("session pool is closed")
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case s, ok := <-p.sessions:
		if !ok {
			return nil, fmt.Errorf("session pool is closed")
		}
		return s, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for an available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(s runner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.Destroy()
		return
	}
	p.sessions <- s
}

// Predict runs the batch on the next free session
func (p *Pool) Predict(ctx context.Context, batch *tensor.Batch) ([][]float64, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(s)
	return s.Predict(ctx, batch)
}

// LayerOutput runs the image on the next free session
func (p *Pool) LayerOutput(ctx context.Context, layer string, batch *tensor.Batch) (*tensor.Volume, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(s)
	return s.LayerOutput(ctx, layer, batch)
}

// Destroy releases every idle session. Sessions in use are destroyed when
// they are returned.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.sessions)
	for s := range p.sessions {
		s.Destroy()
	}
}
