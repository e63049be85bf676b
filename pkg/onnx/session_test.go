package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

func TestPackNCHW(t *testing.T) {
	shape := tensor.Shape{Height: 1, Width: 2, Channels: 3}
	// pixel 0 = (1,2,3), pixel 1 = (4,5,6)
	v, _ := tensor.VolumeFrom(shape, []float64{1, 2, 3, 4, 5, 6})

	dst := make([]float32, 6)
	Pack(v, dst, NCHW)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, dst)

	back := Unpack(dst, shape, NCHW)
	assert.Equal(t, v.Data, back.Data)
}

func TestPackNHWC(t *testing.T) {
	shape := tensor.Shape{Height: 2, Width: 1, Channels: 2}
	v, _ := tensor.VolumeFrom(shape, []float64{0.5, 1, 1.5, 2})

	dst := make([]float32, 4)
	Pack(v, dst, NHWC)
	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, dst)
	assert.Equal(t, v.Data, Unpack(dst, shape, NHWC).Data)
}

func TestShapeOf(t *testing.T) {
	s := tensor.Shape{Height: 224, Width: 200, Channels: 3}
	assert.Equal(t, []int64{1, 3, 224, 200}, []int64(shapeOf(s, NCHW)))
	assert.Equal(t, []int64{1, 224, 200, 3}, []int64(shapeOf(s, NHWC)))
}
