package nn

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
)

// compiled holds the static geometry and derived parameters of one layer.
type compiled struct {
	kind    Kind
	in, out tensor.Shape

	width, stride, padLeft, outLen, units int

	kernel, bias []float32
	scale, shift []float32
}

// Network is an immutable, validated layer stack. Forward may be called from
// multiple goroutines at once; per-call scratch space is pooled.
type Network struct {
	input   tensor.Shape
	layers  []Layer
	steps   []compiled
	workers int

	scratch sync.Pool
}

// Option configures a [Network].
type Option func(*Network)

// WithWorkers sets how many goroutines split the work of convolution and
// dense layers. Values below 1 are treated as 1.
func WithWorkers(n int) Option {
	return func(nw *Network) {
		nw.workers = max(n, 1)
	}
}

// New validates layers against the input shape and returns a ready network.
// Any shape mismatch, missing parameter or non-finite weight is reported as a
// [pitch.ConfigurationError].
func New(input tensor.Shape, layers []Layer, opts ...Option) (*Network, error) {
	if !input.Valid() {
		return nil, pitch.Configf("nn", "invalid input shape %v", input)
	}
	if len(layers) == 0 {
		return nil, pitch.Configf("nn", "network has no layers")
	}

	nw := &Network{
		input:   slices.Clone(input),
		layers:  slices.Clone(layers),
		workers: 1,
	}
	for _, opt := range opts {
		opt(nw)
	}

	shape := nw.input
	for i, l := range nw.layers {
		out, err := outputShape(l, shape)
		if err != nil {
			return nil, pitch.Configf("nn", "layer %d (%s %q): %v", i, l.Kind, l.Name, err)
		}
		for name, p := range l.Params() {
			if j := p.FirstNonFinite(); j >= 0 {
				return nil, pitch.Configf("nn", "layer %d (%q): %s[%d] is not finite", i, l.Name, name, j)
			}
		}
		nw.steps = append(nw.steps, compile(l, shape, out))
		shape = out
	}

	sizes := make([]int, len(nw.steps))
	for i, s := range nw.steps {
		sizes[i] = s.out.Len()
	}
	nw.scratch.New = func() any {
		bufs := make([][]float32, len(sizes))
		for i, n := range sizes {
			bufs[i] = make([]float32, n)
		}
		return &bufs
	}
	return nw, nil
}

func compile(l Layer, in, out tensor.Shape) compiled {
	c := compiled{kind: l.Kind, in: in, out: out}
	if l.Kernel != nil {
		c.kernel = l.Kernel.Data()
	}
	if l.Bias != nil {
		c.bias = l.Bias.Data()
	}
	switch l.Kind {
	case KindConv1D:
		c.width, c.stride, c.units = l.Kernel.Dim(0), l.Stride, l.Kernel.Dim(2)
		c.outLen, c.padLeft, _ = windowGeometry(in[0], c.width, c.stride, l.Padding)
	case KindMaxPool:
		c.width, c.stride = l.Size, poolStride(l)
		c.outLen, c.padLeft, _ = windowGeometry(in[0], c.width, c.stride, l.Padding)
	case KindDense:
		c.units = l.Kernel.Dim(1)
	case KindBatchNorm:
		n := l.Gamma.Len()
		c.scale = make([]float32, n)
		c.shift = make([]float32, n)
		gamma, beta := l.Gamma.Data(), l.Beta.Data()
		mean, variance := l.Mean.Data(), l.Variance.Data()
		for i := range n {
			inv := float32(1 / math.Sqrt(float64(variance[i]+l.Epsilon)))
			c.scale[i] = gamma[i] * inv
			c.shift[i] = beta[i] - mean[i]*c.scale[i]
		}
	}
	return c
}

// InputShape returns the shape Forward expects.
func (nw *Network) InputShape() tensor.Shape { return slices.Clone(nw.input) }

// OutputShape returns the shape of the final layer's output.
func (nw *Network) OutputShape() tensor.Shape {
	return slices.Clone(nw.steps[len(nw.steps)-1].out)
}

// Layers returns the layer stack. The returned layers share parameter
// tensors with the network and must not be modified.
func (nw *Network) Layers() []Layer { return slices.Clone(nw.layers) }

// LayerShape returns the output shape of layer i.
func (nw *Network) LayerShape(i int) tensor.Shape { return slices.Clone(nw.steps[i].out) }

// ParamCount returns the total number of scalar parameters.
func (nw *Network) ParamCount() int {
	var n int
	for _, l := range nw.layers {
		n += l.ParamCount()
	}
	return n
}

// Forward runs every layer in order over input and returns a fresh copy of
// the final activations. Each layer writes into its own buffer and reads the
// previous layer's buffer. Every layer output is checked for NaN and
// infinities; the first one found aborts the pass with a
// [pitch.NumericAnomalyError].
func (nw *Network) Forward(input []float32) ([]float32, error) {
	if len(input) != nw.input.Len() {
		return nil, pitch.Configf("nn", "input has %d values, network expects %v", len(input), nw.input)
	}

	bufsPtr := nw.scratch.Get().(*[][]float32)
	defer nw.scratch.Put(bufsPtr)
	bufs := *bufsPtr

	cur := input
	for i := range nw.steps {
		s := &nw.steps[i]
		out := bufs[i]
		switch s.kind {
		case KindConv1D:
			conv1d(out, cur, s.in[0], s.in[1], s, nw.workers)
		case KindBatchNorm:
			batchNorm(out, cur, s)
		case KindMaxPool:
			maxPool(out, cur, s.in[0], s.in[1], s)
		case KindDense:
			dense(out, cur, s, nw.workers)
		case KindReLU:
			relu(out, cur)
		case KindSigmoid:
			sigmoid(out, cur)
		case KindSoftmax:
			softmax(out, cur)
		default:
			return nil, fmt.Errorf("nn: layer %d has unsupported kind %v", i, s.kind)
		}
		if j := tensor.FirstNonFinite(out); j >= 0 {
			return nil, &pitch.NumericAnomalyError{Layer: i, Name: nw.layers[i].Name, Index: j, Value: out[j]}
		}
		cur = out
	}
	return slices.Clone(cur), nil
}
