package types

import "errors"

// Errors shared by the explanation algorithms and model backends. Callers
// match them with errors.Is; producers wrap them with context.
var (
	// ErrInvalidInputShape means an image, batch or partition does not match
	// the dimensions the model or the algorithm expects.
	ErrInvalidInputShape = errors.New("invalid input shape")

	// ErrUnknownLayer means the requested layer name does not exist on the model.
	ErrUnknownLayer = errors.New("unknown layer")

	// ErrInvalidClass means a target class index is outside the prediction vector.
	ErrInvalidClass = errors.New("invalid class index")

	// ErrGradientUnsupported is returned by backends that can only run inference.
	ErrGradientUnsupported = errors.New("model does not support gradients")

	// ErrDegenerateNormalization means the map to be normalized has no
	// positive maximum: the computation produced no salient signal.
	ErrDegenerateNormalization = errors.New("no salient signal: heatmap maximum is not positive")

	// ErrEmptyPartition means the region partition has no region to occlude.
	ErrEmptyPartition = errors.New("region partition has no regions")
)
