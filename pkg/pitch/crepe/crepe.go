// Package crepe knows the CREPE pitch network: its layer geometry at each
// model capacity and an [Engine] that runs a loaded network as a
// [pitch.Estimator].
package crepe

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/nn"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

// Capacity selects one of the published CREPE model sizes.
type Capacity string

const (
	Tiny   Capacity = "tiny"
	Small  Capacity = "small"
	Medium Capacity = "medium"
	Large  Capacity = "large"
	Full   Capacity = "full"
)

var multipliers = map[Capacity]int{Tiny: 4, Small: 8, Medium: 16, Large: 24, Full: 32}

// Capacities lists every capacity from smallest to largest.
func Capacities() []Capacity { return []Capacity{Tiny, Small, Medium, Large, Full} }

// ParseCapacity accepts a capacity name in any case.
func ParseCapacity(s string) (Capacity, error) {
	c := Capacity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := multipliers[c]; !ok {
		return "", fmt.Errorf("crepe: unknown capacity %q", s)
	}
	return c, nil
}

// Multiplier returns the filter multiplier of c.
func (c Capacity) Multiplier() int { return multipliers[c] }

// Block geometry shared by every capacity.
var (
	blockFilters = [6]int{32, 4, 4, 4, 8, 16}
	blockWidths  = [6]int{512, 64, 64, 64, 64, 64}
	blockStrides = [6]int{4, 1, 1, 1, 1, 1}
)

// Architecture returns a CREPE network of capacity c with freshly initialised
// parameters: He-normal kernels drawn from a PCG source seeded with seed,
// zero biases and identity batch normalisation. The result has the right
// shapes for trained weights and is useful for smoke testing the pipeline.
//
// Each of the six blocks is conv (same) then ReLU then batch norm then max
// pool 2/2 (valid). A dense layer maps the flattened features to 360 bins
// and a softmax normalises them.
func Architecture(c Capacity, seed uint64) (*weights.Weights, error) {
	m, ok := multipliers[c]
	if !ok {
		return nil, pitch.Configf("crepe", "unknown capacity %q", c)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	heNormal := func(fanIn int, shape ...int) *tensor.Tensor {
		t := tensor.New(shape...)
		std := math.Sqrt(2 / float64(fanIn))
		for i := range t.Data() {
			t.Data()[i] = float32(rng.NormFloat64() * std)
		}
		return t
	}
	constant := func(n int, v float32) *tensor.Tensor {
		t := tensor.New(n)
		for i := range t.Data() {
			t.Data()[i] = v
		}
		return t
	}

	var layers []nn.Layer
	channels, length := 1, pitch.FrameSize
	for i := range blockFilters {
		filters := blockFilters[i] * m
		width := blockWidths[i]
		name := fmt.Sprintf("conv%d", i+1)
		layers = append(layers,
			nn.Conv1D(name, heNormal(width*channels, width, channels, filters), constant(filters, 0), blockStrides[i], nn.PaddingSame),
			nn.Activation(name+"-relu", nn.KindReLU),
			nn.BatchNorm(fmt.Sprintf("conv%d-BN", i+1), constant(filters, 1), constant(filters, 0), constant(filters, 0), constant(filters, 1), weights.DefaultBatchNormEpsilon),
			nn.MaxPool(fmt.Sprintf("conv%d-maxpool", i+1), 2, 2, nn.PaddingValid),
		)
		length = (length+blockStrides[i]-1)/blockStrides[i]/2
		channels = filters
	}
	flat := length * channels
	layers = append(layers,
		nn.Dense("classifier", heNormal(flat, flat, pitch.Bins), constant(pitch.Bins, 0)),
		nn.Activation("classifier-softmax", nn.KindSoftmax),
	)
	return weights.New("crepe-"+string(c), weights.DefaultMetadata(), tensor.Shape{pitch.FrameSize, 1}, layers), nil
}
