// Package mock provides a scriptable implementation of [pitch.Estimator] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records the index of every frame it
// receives and delegates the result to InferFunc when set. Without InferFunc
// it returns a one-hot distribution whose peak bin is the frame index modulo
// Bins, so tests can recover the frame sequence from decoded estimates.
package mock

import (
	"sync"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
)

// Compile-time check that Estimator satisfies pitch.Estimator.
var _ pitch.Estimator = (*Estimator)(nil)

// Estimator is a mock implementation of [pitch.Estimator].
type Estimator struct {
	mu sync.Mutex

	// InputSizeResult is returned by InputSize. Defaults to [pitch.FrameSize].
	InputSizeResult int

	// BinsResult is returned by Bins. Defaults to [pitch.Bins].
	BinsResult int

	// InferFunc, when set, produces the result of Infer.
	InferFunc func(pitch.Frame) (pitch.Distribution, error)

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames []int64
}

// Infer implements [pitch.Estimator].
func (e *Estimator) Infer(f pitch.Frame) (pitch.Distribution, error) {
	e.mu.Lock()
	e.frames = append(e.frames, f.Index)
	fn := e.InferFunc
	e.mu.Unlock()

	if fn != nil {
		return fn(f)
	}
	probs := make([]float32, e.Bins())
	probs[int(f.Index%int64(len(probs)))] = 1
	return pitch.Distribution{Index: f.Index, Probabilities: probs}, nil
}

// InputSize implements [pitch.Estimator].
func (e *Estimator) InputSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InputSizeResult == 0 {
		return pitch.FrameSize
	}
	return e.InputSizeResult
}

// Bins implements [pitch.Estimator].
func (e *Estimator) Bins() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.BinsResult == 0 {
		return pitch.Bins
	}
	return e.BinsResult
}

// Close implements [pitch.Estimator].
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	return e.CloseError
}

// Frames returns the indices of every frame passed to Infer, in call order.
func (e *Estimator) Frames() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.frames))
	copy(out, e.frames)
	return out
}
