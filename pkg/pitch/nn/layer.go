// Package nn implements a small, data-driven feed-forward network: an ordered
// list of tagged [Layer] values interpreted by a single forward driver.
//
// Layers cover exactly what CREPE-style pitch networks need: 1-D convolution,
// batch normalisation with stored running statistics, max pooling, dense
// projection and element-wise activations. All arithmetic is float32.
// Tensors between convolution layers are laid out [length, channels].
package nn

import (
	"fmt"
	"strings"

	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
)

// Kind tags the variant held by a [Layer].
type Kind uint8

const (
	KindConv1D Kind = iota + 1
	KindBatchNorm
	KindMaxPool
	KindDense
	KindReLU
	KindSigmoid
	KindSoftmax
)

var kindNames = map[Kind]string{
	KindConv1D:    "conv1d",
	KindBatchNorm: "batchnorm",
	KindMaxPool:   "maxpool",
	KindDense:     "dense",
	KindReLU:      "relu",
	KindSigmoid:   "sigmoid",
	KindSoftmax:   "softmax",
}

// String returns the manifest name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a manifest name to a Kind.
func ParseKind(s string) (Kind, error) {
	ls := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == ls {
			return k, nil
		}
	}
	return 0, fmt.Errorf("nn: unknown layer kind %q", s)
}

// Padding selects the boundary convention of convolution and pooling.
type Padding uint8

const (
	// PaddingValid only visits windows fully inside the input.
	PaddingValid Padding = iota
	// PaddingSame produces ceil(length/stride) outputs. Convolutions treat the
	// padded border as zeros; pooling ignores it.
	PaddingSame
)

// String returns the manifest name of the padding mode.
func (p Padding) String() string {
	if p == PaddingSame {
		return "same"
	}
	return "valid"
}

// ParsePadding maps "same" or "valid" to a Padding.
func ParsePadding(s string) (Padding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "same":
		return PaddingSame, nil
	case "valid", "":
		return PaddingValid, nil
	}
	return 0, fmt.Errorf("nn: unknown padding %q", s)
}

// Layer is one step of the network. Kind selects which of the remaining
// fields are meaningful:
//
//	conv1d     Kernel [width, in, filters], Bias [filters], Stride, Padding
//	batchnorm  Gamma, Beta, Mean, Variance [channels], Epsilon
//	maxpool    Size, Stride (defaults to Size), Padding
//	dense      Kernel [in, units], Bias [units]; input is flattened
//	relu, sigmoid, softmax  no parameters
type Layer struct {
	Kind Kind
	Name string

	Stride  int
	Padding Padding
	Size    int

	Epsilon float32

	Kernel *tensor.Tensor
	Bias   *tensor.Tensor

	Gamma    *tensor.Tensor
	Beta     *tensor.Tensor
	Mean     *tensor.Tensor
	Variance *tensor.Tensor
}

// Conv1D returns a convolution layer.
func Conv1D(name string, kernel, bias *tensor.Tensor, stride int, padding Padding) Layer {
	return Layer{Kind: KindConv1D, Name: name, Kernel: kernel, Bias: bias, Stride: stride, Padding: padding}
}

// BatchNorm returns an inference-mode batch normalisation layer.
func BatchNorm(name string, gamma, beta, mean, variance *tensor.Tensor, eps float32) Layer {
	return Layer{Kind: KindBatchNorm, Name: name, Gamma: gamma, Beta: beta, Mean: mean, Variance: variance, Epsilon: eps}
}

// MaxPool returns a max pooling layer.
func MaxPool(name string, size, stride int, padding Padding) Layer {
	return Layer{Kind: KindMaxPool, Name: name, Size: size, Stride: stride, Padding: padding}
}

// Dense returns a fully connected layer.
func Dense(name string, kernel, bias *tensor.Tensor) Layer {
	return Layer{Kind: KindDense, Name: name, Kernel: kernel, Bias: bias}
}

// Activation returns a parameterless element-wise layer of kind k.
func Activation(name string, k Kind) Layer {
	return Layer{Kind: k, Name: name}
}

// Params returns the layer's parameter tensors keyed by manifest name.
func (l Layer) Params() map[string]*tensor.Tensor {
	out := map[string]*tensor.Tensor{}
	add := func(k string, t *tensor.Tensor) {
		if t != nil {
			out[k] = t
		}
	}
	add("kernel", l.Kernel)
	add("bias", l.Bias)
	add("gamma", l.Gamma)
	add("beta", l.Beta)
	add("moving_mean", l.Mean)
	add("moving_variance", l.Variance)
	return out
}

// ParamCount returns the number of scalar parameters.
func (l Layer) ParamCount() int {
	var n int
	for _, t := range l.Params() {
		n += t.Len()
	}
	return n
}
