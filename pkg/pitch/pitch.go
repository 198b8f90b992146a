// Package pitch defines the data model shared by the pitch-estimation
// pipeline: analysis frames, bin distributions, estimates and the
// [Estimator] contract implemented by inference backends.
package pitch

import (
	"math"
	"time"
)

// Model constants for CREPE-family networks.
const (
	// SampleRate is the only rate the network accepts.
	SampleRate = 16000

	// FrameSize is the number of samples in one analysis window.
	FrameSize = 1024

	// HopSize is the default stride between frames (10 ms).
	HopSize = 160

	// Bins is the number of output pitch bins.
	Bins = 360
)

// Frame is one normalised analysis window. Frames are immutable once built
// and are owned by the inference call that consumes them.
type Frame struct {
	// Index is the zero-based position of the frame in the session.
	Index int64

	// Samples holds exactly the estimator's input width of normalised values.
	Samples []float32
}

// Distribution is the network's probability mass over pitch bins for one
// frame. Probabilities sum to 1 within floating tolerance.
type Distribution struct {
	Index         int64
	Probabilities []float32
}

// Sum returns the total probability mass, accumulated in float64.
func (d Distribution) Sum() float64 {
	var s float64
	for _, p := range d.Probabilities {
		s += float64(p)
	}
	return s
}

// Estimate is one decoded pitch reading.
type Estimate struct {
	// Index is the frame index the estimate was decoded from.
	Index int64

	// Time is the stream position of the frame: Index * hop / SampleRate.
	Time time.Duration

	// FrequencyHz is the decoded fundamental frequency.
	FrequencyHz float64

	// Confidence is the peak bin probability in [0, 1].
	Confidence float64

	// Bin is the argmax bin the decode was centred on.
	Bin int
}

// Voiced reports whether the estimate clears threshold and carries a finite
// frequency.
func (e Estimate) Voiced(threshold float64) bool {
	return e.Confidence >= threshold && e.FrequencyHz > 0 && !math.IsInf(e.FrequencyHz, 0) && !math.IsNaN(e.FrequencyHz)
}

// FrameTime converts a frame index to its stream position for the given hop.
func FrameTime(index int64, hop int) time.Duration {
	return time.Duration(index) * time.Duration(hop) * time.Second / SampleRate
}

// Estimator runs the forward pass of a pitch network. Implementations are
// stateless across calls and safe for concurrent use; the weights they hold
// are never mutated after construction.
type Estimator interface {
	// Infer maps one frame to a bin distribution. A frame whose length differs
	// from InputSize is rejected with a [ConfigurationError]. Non-finite values
	// produced by the network are reported as a [NumericAnomalyError].
	Infer(frame Frame) (Distribution, error)

	// InputSize is the required frame length in samples.
	InputSize() int

	// Bins is the length of every returned distribution.
	Bins() int

	// Close releases backend resources.
	Close() error
}
