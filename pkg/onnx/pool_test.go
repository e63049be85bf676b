package onnx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

var poolShape = tensor.Shape{Height: 1, Width: 1, Channels: 1}

type fakeRunner struct {
	id        int
	active    *atomic.Int32
	peak      *atomic.Int32
	destroyed atomic.Bool
}

func (f *fakeRunner) InputShape() tensor.Shape { return poolShape }

func (f *fakeRunner) Predict(_ context.Context, b *tensor.Batch) ([][]float64, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return [][]float64{{float64(f.id)}}, nil
}

func (f *fakeRunner) LayerOutput(context.Context, string, *tensor.Batch) (*tensor.Volume, error) {
	return tensor.NewVolume(poolShape), nil
}

func (f *fakeRunner) Destroy() { f.destroyed.Store(true) }

func fakePool(size int) (*Pool, []*fakeRunner) {
	var active, peak atomic.Int32
	p := newPool(poolShape, size)
	runners := make([]*fakeRunner, size)
	for i := range runners {
		runners[i] = &fakeRunner{id: i, active: &active, peak: &peak}
		p.sessions <- runners[i]
	}
	return p, runners
}

func testBatch(t *testing.T) *tensor.Batch {
	t.Helper()
	b, err := tensor.NewBatch(tensor.NewVolume(poolShape))
	require.NoError(t, err)
	return b
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p, runners := fakePool(2)
	b := testBatch(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Predict(context.Background(), b)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, runners[0].peak.Load(), int32(2))
	assert.Equal(t, 2, len(p.sessions), "every session is returned")
	assert.Equal(t, 2, p.Size())
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	p := newPool(poolShape, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Predict(ctx, testBatch(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolTimeout(t *testing.T) {
	p := newPool(poolShape, 1)
	p.timeout = 10 * time.Millisecond

	_, err := p.LayerOutput(context.Background(), "conv", testBatch(t))
	assert.ErrorContains(t, err, "timeout")
}

func TestPoolDestroy(t *testing.T) {
	p, runners := fakePool(2)
	p.Destroy()
	for _, r := range runners {
		assert.True(t, r.destroyed.Load())
	}
	_, err := p.Predict(context.Background(), testBatch(t))
	assert.Error(t, err)
	p.Destroy()
}
