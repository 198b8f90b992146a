// Package onnx runs an exported CREPE model through ONNX Runtime as a
// [pitch.Estimator].
//
// The runtime binding is only compiled with -tags onnx. Without the tag
// [New] returns [ErrNativeUnavailable] and the native layer stack in
// package crepe is the only backend.
package onnx

import (
	"errors"
	"math"
	"slices"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
)

// ErrNativeUnavailable indicates the binary was built without ONNX Runtime
// support.
var ErrNativeUnavailable = errors.New("onnx: runtime backend not available (build with -tags onnx)")

// Config selects the model file and tensor names.
type Config struct {
	// ModelPath is the .onnx file. Default "crepe-full.onnx".
	ModelPath string

	// InputName and OutputName are the graph's tensor names.
	// Defaults "input" and "output_0".
	InputName  string
	OutputName string

	// InputShape is the input tensor shape. Default [1, FrameSize].
	InputShape []int64

	// Library is the ONNX Runtime shared library. Empty means
	// [ResolveLibrary] decides.
	Library string

	// FrameSize and Bins describe the model. Defaults 1024 and 360.
	FrameSize int
	Bins      int
}

func (c Config) withDefaults() Config {
	if c.ModelPath == "" {
		c.ModelPath = "crepe-full.onnx"
	}
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.OutputName == "" {
		c.OutputName = "output_0"
	}
	if c.FrameSize == 0 {
		c.FrameSize = pitch.FrameSize
	}
	if c.Bins == 0 {
		c.Bins = pitch.Bins
	}
	if len(c.InputShape) == 0 {
		c.InputShape = []int64{1, int64(c.FrameSize)}
	}
	return c
}

func (c Config) validate() error {
	var n int64 = 1
	for _, d := range c.InputShape {
		n *= d
	}
	if n != int64(c.FrameSize) {
		return pitch.Configf("onnx", "input shape %v does not hold %d samples", c.InputShape, c.FrameSize)
	}
	if c.Bins <= 0 {
		return pitch.Configf("onnx", "bins %d must be positive", c.Bins)
	}
	return nil
}

// normalize turns raw model outputs into a distribution. CREPE exports end
// in a sigmoid, so the activations are divided by their sum. A non-finite
// output is a [pitch.NumericAnomalyError]; an all-zero output becomes
// uniform.
func normalize(raw []float32) ([]float32, error) {
	if i := tensor.FirstNonFinite(raw); i >= 0 {
		return nil, &pitch.NumericAnomalyError{Layer: 0, Name: "onnx-output", Index: i, Value: raw[i]}
	}
	out := slices.Clone(raw)
	var sum float64
	for i, v := range out {
		if v < 0 {
			out[i] = 0
			continue
		}
		sum += float64(v)
	}
	if sum <= 0 || math.IsInf(sum, 0) {
		for i := range out {
			out[i] = 1 / float32(len(out))
		}
		return out, nil
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out, nil
}
