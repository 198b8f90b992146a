// Package weights holds the immutable trained parameters of a pitch network
// and reads and writes them as a YAML manifest next to a raw float32 blob.
//
// A manifest looks like:
//
//	format: pitchoverlay-weights/v1
//	model: crepe-tiny
//	blob: crepe-tiny.bin
//	sha256: 9f86d08...
//	metadata:
//	  sample_rate: 16000
//	  frame_size: 1024
//	  bins: 360
//	  cents_offset: 1997.3794084376191
//	  cents_per_bin: 20
//	input_shape: [1024, 1]
//	layers:
//	  - name: conv1
//	    kind: conv1d
//	    stride: 4
//	    padding: same
//	    params:
//	      kernel: {shape: [512, 1, 128], offset: 0}
//	      bias: {shape: [128], offset: 65536}
//
// Offsets count float32 elements from the start of the blob, which is stored
// little-endian.
package weights

import (
	"slices"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/nn"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
)

// CREPE training-time constants used when a manifest leaves them out.
const (
	DefaultCentsOffset          = 1997.3794084376191
	DefaultCentsPerBin          = 20.0
	DefaultNormalizationEpsilon = 1e-8
	DefaultBatchNormEpsilon     = 0.001
)

// Metadata describes how audio must be prepared for the network and how its
// output bins map to pitch.
type Metadata struct {
	SampleRate           int     `yaml:"sample_rate"`
	FrameSize            int     `yaml:"frame_size"`
	Bins                 int     `yaml:"bins"`
	CentsOffset          float64 `yaml:"cents_offset"`
	CentsPerBin          float64 `yaml:"cents_per_bin"`
	NormalizationEpsilon float64 `yaml:"normalization_epsilon"`
}

// DefaultMetadata returns the CREPE conventions.
func DefaultMetadata() Metadata {
	return Metadata{
		SampleRate:           pitch.SampleRate,
		FrameSize:            pitch.FrameSize,
		Bins:                 pitch.Bins,
		CentsOffset:          DefaultCentsOffset,
		CentsPerBin:          DefaultCentsPerBin,
		NormalizationEpsilon: DefaultNormalizationEpsilon,
	}
}

// WithDefaults fills zero fields from [DefaultMetadata].
func (m Metadata) WithDefaults() Metadata {
	d := DefaultMetadata()
	if m.SampleRate == 0 {
		m.SampleRate = d.SampleRate
	}
	if m.FrameSize == 0 {
		m.FrameSize = d.FrameSize
	}
	if m.Bins == 0 {
		m.Bins = d.Bins
	}
	if m.CentsOffset == 0 {
		m.CentsOffset = d.CentsOffset
	}
	if m.CentsPerBin == 0 {
		m.CentsPerBin = d.CentsPerBin
	}
	if m.NormalizationEpsilon == 0 {
		m.NormalizationEpsilon = d.NormalizationEpsilon
	}
	return m
}

// Weights is a loaded network: its metadata, input shape and layer stack.
// A Weights value is never mutated after construction and may be shared by
// any number of engines.
type Weights struct {
	model  string
	meta   Metadata
	input  tensor.Shape
	layers []nn.Layer
}

// New assembles a Weights value. The layer tensors are owned by the result
// from this point on; callers must not modify them.
func New(model string, meta Metadata, input tensor.Shape, layers []nn.Layer) *Weights {
	return &Weights{
		model:  model,
		meta:   meta.WithDefaults(),
		input:  slices.Clone(input),
		layers: slices.Clone(layers),
	}
}

// Model returns the model name, for example "crepe-tiny".
func (w *Weights) Model() string { return w.model }

// Metadata returns the bin mapping and input conventions.
func (w *Weights) Metadata() Metadata { return w.meta }

// InputShape returns the shape of one network input.
func (w *Weights) InputShape() tensor.Shape { return slices.Clone(w.input) }

// Layers returns the layer stack in execution order.
func (w *Weights) Layers() []nn.Layer { return slices.Clone(w.layers) }

// ParamCount returns the total number of scalar parameters.
func (w *Weights) ParamCount() int {
	var n int
	for _, l := range w.layers {
		n += l.ParamCount()
	}
	return n
}
