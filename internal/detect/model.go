package detect

import (
	"errors"
	"fmt"
)

// Model is the inference capability the detector runs on. Implementations
// wrap a loaded network (ONNX runtime binding, remote inference service,
// test stub); the detector treats Infer as a black box.
//
// The detector adds no locking; an implementation whose runtime is not
// safe for concurrent forward passes must serialize Infer itself.
type Model interface {
	// InputWidth and InputHeight report the network's fixed input size.
	// A non-positive value means the dimension is dynamic and the caller
	// should fall back to a default.
	InputWidth() int
	InputHeight() int

	// Infer runs the network over a CHW float32 tensor normalized to [0,1]
	// and returns raw candidate rows of at least six values:
	// center-x, center-y, width, height (network pixels), confidence,
	// class id.
	Infer(tensor []float32) ([][]float32, error)
}

// Sentinel errors distinguishing bad input from processing failure.
var (
	// ErrInvalidImage marks a zero-area or otherwise malformed input buffer.
	ErrInvalidImage = errors.New("invalid image: empty or zero-area buffer")

	// ErrModelNotLoaded is returned when Detect runs before a model is bound.
	ErrModelNotLoaded = errors.New("model not loaded")
)

// InferenceError wraps a failure raised by the model backend. It is fatal
// for the call; retrying is the caller's decision.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
