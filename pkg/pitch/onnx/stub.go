//go:build !onnx

package onnx

import "github.com/MrWong99/pitchoverlay/pkg/pitch"

// Available reports whether the ONNX Runtime backend is compiled in.
func Available() bool { return false }

// New returns [ErrNativeUnavailable] when built without the onnx tag.
func New(_ Config) (pitch.Estimator, error) {
	return nil, ErrNativeUnavailable
}
