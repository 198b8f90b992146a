package nn

import (
	"errors"
	"fmt"

	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
)

// windowGeometry returns the output length and leading pad for a sliding
// window of width w and stride s over length n.
func windowGeometry(n, w, s int, p Padding) (out, padLeft int, err error) {
	if s <= 0 {
		return 0, 0, fmt.Errorf("stride %d must be positive", s)
	}
	if w <= 0 {
		return 0, 0, fmt.Errorf("window %d must be positive", w)
	}
	if p == PaddingSame {
		out = (n + s - 1) / s
		total := max((out-1)*s+w-n, 0)
		return out, total / 2, nil
	}
	if n < w {
		return 0, 0, fmt.Errorf("input length %d shorter than window %d", n, w)
	}
	return (n-w)/s + 1, 0, nil
}

// outputShape validates l against its input shape and returns the shape it
// produces.
func outputShape(l Layer, in tensor.Shape) (tensor.Shape, error) {
	switch l.Kind {
	case KindConv1D:
		if len(in) != 2 {
			return nil, fmt.Errorf("conv1d needs [length, channels] input, got %v", in)
		}
		if l.Kernel == nil || l.Kernel.Rank() != 3 {
			return nil, errors.New("conv1d kernel must be [width, in, filters]")
		}
		width, inC, filters := l.Kernel.Dim(0), l.Kernel.Dim(1), l.Kernel.Dim(2)
		if inC != in[1] {
			return nil, fmt.Errorf("conv1d kernel expects %d input channels, got %d", inC, in[1])
		}
		if err := checkVector(l.Bias, filters, "bias"); err != nil {
			return nil, err
		}
		n, _, err := windowGeometry(in[0], width, l.Stride, l.Padding)
		if err != nil {
			return nil, err
		}
		return tensor.Shape{n, filters}, nil

	case KindBatchNorm:
		if len(in) == 0 {
			return nil, errors.New("batchnorm needs at least one dimension")
		}
		c := in[len(in)-1]
		params := []struct {
			name string
			t    *tensor.Tensor
		}{{"gamma", l.Gamma}, {"beta", l.Beta}, {"moving_mean", l.Mean}, {"moving_variance", l.Variance}}
		for _, p := range params {
			if p.t == nil {
				return nil, fmt.Errorf("batchnorm %s missing", p.name)
			}
			if err := checkVector(p.t, c, p.name); err != nil {
				return nil, err
			}
		}
		if l.Epsilon <= 0 {
			return nil, fmt.Errorf("batchnorm epsilon %v must be positive", l.Epsilon)
		}
		for i, v := range l.Variance.Data() {
			if v+l.Epsilon <= 0 {
				return nil, fmt.Errorf("batchnorm variance[%d]=%v plus epsilon is not positive", i, v)
			}
		}
		return in, nil

	case KindMaxPool:
		if len(in) != 2 {
			return nil, fmt.Errorf("maxpool needs [length, channels] input, got %v", in)
		}
		n, _, err := windowGeometry(in[0], l.Size, poolStride(l), l.Padding)
		if err != nil {
			return nil, err
		}
		return tensor.Shape{n, in[1]}, nil

	case KindDense:
		if l.Kernel == nil || l.Kernel.Rank() != 2 {
			return nil, errors.New("dense kernel must be [in, units]")
		}
		if l.Kernel.Dim(0) != in.Len() {
			return nil, fmt.Errorf("dense kernel expects %d inputs, got %d from %v", l.Kernel.Dim(0), in.Len(), in)
		}
		units := l.Kernel.Dim(1)
		if err := checkVector(l.Bias, units, "bias"); err != nil {
			return nil, err
		}
		return tensor.Shape{units}, nil

	case KindReLU, KindSigmoid, KindSoftmax:
		return in, nil
	}
	return nil, fmt.Errorf("unsupported layer kind %v", l.Kind)
}

func poolStride(l Layer) int {
	if l.Stride > 0 {
		return l.Stride
	}
	return l.Size
}

// checkVector accepts a nil optional vector or one of exactly n elements.
func checkVector(t *tensor.Tensor, n int, name string) error {
	if t == nil {
		return nil
	}
	if t.Rank() != 1 || t.Dim(0) != n {
		return fmt.Errorf("%s shape %v, want [%d]", name, t.Shape(), n)
	}
	return nil
}
