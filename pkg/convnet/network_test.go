package convnet

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/saliency-explainer/pkg/tensor"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

func testSpec() Spec {
	return Spec{
		Input: tensor.Shape{Height: 8, Width: 8, Channels: 3},
		Layers: []LayerSpec{
			{Type: TypeConv2D, Name: "conv1", Filters: 4, KernelSize: 3, Padding: 1, Activation: Linear},
			{Type: TypeMaxPool2D, Name: "pool1", Size: 2},
			{Type: TypeConv2D, Name: "conv2", Filters: 3, KernelSize: 3, Padding: 1, Activation: ReLU},
			{Type: TypeGlobalAvgPool, Name: "gap"},
			{Type: TypeDense, Name: "logits", Units: 3},
			{Type: TypeSoftmax, Name: "probs"},
		},
	}
}

func buildTestNetwork(t *testing.T) *Network {
	t.Helper()
	spec := testSpec()
	require.NoError(t, spec.Initialize(7))
	net, err := spec.Build()
	require.NoError(t, err)
	return net
}

func randomBatch(t *testing.T, shape tensor.Shape, seed int64) *tensor.Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	v := tensor.NewVolume(shape)
	for i := range v.Data {
		v.Data[i] = rng.Float64()
	}
	b, err := tensor.NewBatch(v)
	require.NoError(t, err)
	return b
}

// forwardFrom runs the layers after index start on v
func forwardFrom(n *Network, start int, v *tensor.Volume) *tensor.Volume {
	cur := v
	for _, l := range n.layers[start+1:] {
		cur = l.Forward(cur)
	}
	return cur
}

func TestShapes(t *testing.T) {
	net := buildTestNetwork(t)

	cases := map[string]tensor.Shape{
		"conv1":  {Height: 8, Width: 8, Channels: 4},
		"pool1":  {Height: 4, Width: 4, Channels: 4},
		"conv2":  {Height: 4, Width: 4, Channels: 3},
		"gap":    {Height: 1, Width: 1, Channels: 3},
		"logits": {Height: 1, Width: 1, Channels: 3},
	}
	for name, want := range cases {
		got, err := net.LayerShape(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestPredictIsProbability(t *testing.T) {
	net := buildTestNetwork(t)
	batch := randomBatch(t, net.InputShape(), 1)

	out, err := net.Predict(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0], 3)

	var sum float64
	for _, p := range out[0] {
		assert.GreaterOrEqual(t, p, 0.0)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestPredictRejectsWrongShape(t *testing.T) {
	net := buildTestNetwork(t)
	batch := randomBatch(t, tensor.Shape{Height: 4, Width: 8, Channels: 3}, 1)

	_, err := net.Predict(context.Background(), batch)
	assert.ErrorIs(t, err, types.ErrInvalidInputShape)
}

func TestUnknownLayer(t *testing.T) {
	net := buildTestNetwork(t)
	batch := randomBatch(t, net.InputShape(), 1)

	_, err := net.LayerOutput(context.Background(), "conv9", batch)
	assert.ErrorIs(t, err, types.ErrUnknownLayer)

	_, err = net.Record(context.Background(), "conv9", batch)
	assert.ErrorIs(t, err, types.ErrUnknownLayer)
}

func TestRecordMatchesForwardPass(t *testing.T) {
	net := buildTestNetwork(t)
	batch := randomBatch(t, net.InputShape(), 3)
	ctx := context.Background()

	tp, err := net.Record(ctx, "conv2", batch)
	require.NoError(t, err)

	preds, err := net.Predict(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, preds[0], tp.Predictions())

	act, err := net.LayerOutput(ctx, "conv2", batch)
	require.NoError(t, err)
	assert.Equal(t, act.Data, tp.Activation().Data)
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	net := buildTestNetwork(t)
	batch := randomBatch(t, net.InputShape(), 11)

	for _, layer := range []string{"conv1", "conv2"} {
		tp, err := net.Record(context.Background(), layer, batch)
		require.NoError(t, err)

		idx, err := net.layerIndex(layer)
		require.NoError(t, err)

		for class := 0; class < 3; class++ {
			grad, err := tp.Gradient(class)
			require.NoError(t, err)
			require.Equal(t, tp.Activation().Shape, grad.Shape)

			const eps = 1e-6
			for i := range tp.Activation().Data {
				plus := tp.Activation().Clone()
				plus.Data[i] += eps
				minus := tp.Activation().Clone()
				minus.Data[i] -= eps

				numeric := (forwardFrom(net, idx, plus).Data[class] - forwardFrom(net, idx, minus).Data[class]) / (2 * eps)
				assert.InDelta(t, numeric, grad.Data[i], 1e-6, "%s class %d element %d", layer, class, i)
			}
		}
	}
}

func TestGradientRejectsInvalidClass(t *testing.T) {
	net := buildTestNetwork(t)
	tp, err := net.Record(context.Background(), "conv2", randomBatch(t, net.InputShape(), 1))
	require.NoError(t, err)

	_, err = tp.Gradient(3)
	assert.ErrorIs(t, err, types.ErrInvalidClass)
	_, err = tp.Gradient(-1)
	assert.ErrorIs(t, err, types.ErrInvalidClass)
}

func TestRecordNeedsSingleImage(t *testing.T) {
	net := buildTestNetwork(t)
	v := tensor.NewVolume(net.InputShape())
	batch, err := tensor.NewBatch(v, v)
	require.NoError(t, err)

	_, err = net.Record(context.Background(), "conv2", batch)
	assert.ErrorIs(t, err, types.ErrInvalidInputShape)
}

func TestBuildRejectsBadWeights(t *testing.T) {
	spec := testSpec()
	require.NoError(t, spec.Initialize(1))
	spec.Layers[0].Weights = spec.Layers[0].Weights[1:]

	_, err := spec.Build()
	assert.Error(t, err)
}

func TestDuplicateLayerNames(t *testing.T) {
	spec := testSpec()
	spec.Layers[2].Name = "conv1"
	require.NoError(t, spec.Initialize(1))

	_, err := spec.Build()
	assert.ErrorContains(t, err, "duplicate")
}

func TestSaveLoadPreservesPredictions(t *testing.T) {
	net := buildTestNetwork(t)
	path := filepath.Join(t.TempDir(), "nets", "net.json")
	require.NoError(t, net.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	batch := randomBatch(t, net.InputShape(), 5)
	want, err := net.Predict(context.Background(), batch)
	require.NoError(t, err)
	got, err := loaded.Predict(context.Background(), batch)
	require.NoError(t, err)

	for i := range want[0] {
		assert.False(t, math.IsNaN(got[0][i]))
		assert.InDelta(t, want[0][i], got[0][i], 1e-12)
	}
}

func BenchmarkPredict(b *testing.B) {
	spec := Spec{
		Input: tensor.Shape{Height: 64, Width: 64, Channels: 3},
		Layers: []LayerSpec{
			{Type: TypeConv2D, Name: "conv1", Filters: 8, KernelSize: 3, Padding: 1, Activation: ReLU},
			{Type: TypeMaxPool2D, Size: 2},
			{Type: TypeConv2D, Name: "conv2", Filters: 16, KernelSize: 3, Padding: 1, Activation: ReLU},
			{Type: TypeGlobalAvgPool},
			{Type: TypeDense, Units: 10},
			{Type: TypeSoftmax},
		},
	}
	if err := spec.Initialize(1); err != nil {
		b.Fatal(err)
	}
	net, err := spec.Build()
	if err != nil {
		b.Fatal(err)
	}
	batch, _ := tensor.NewBatch(tensor.NewVolume(spec.Input))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		net.Predict(context.Background(), batch)
	}
}
