package audio

import (
	"errors"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// TargetRate is the sample rate the pitch network consumes.
const TargetRate = 16000

const (
	// MinInputRate is the lowest accepted capture rate. Anything below it
	// cannot carry the 8 kHz band the network was trained on.
	MinInputRate = TargetRate

	// MaxInputRate bounds the accepted capture rate.
	MaxInputRate = 768000
)

// ErrUnsupportedRate is returned by [NewResampler] for capture rates outside
// [MinInputRate, MaxInputRate].
var ErrUnsupportedRate = errors.New("audio: unsupported input rate")

// Quality selects the resampling filter preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

func (q Quality) spec() resampling.QualitySpec {
	switch q {
	case QualityLow:
		return resampling.QualitySpec{Preset: resampling.QualityLow}
	case QualityMedium:
		return resampling.QualitySpec{Preset: resampling.QualityMedium}
	default:
		return resampling.QualitySpec{Preset: resampling.QualityHigh}
	}
}

// Resampler converts a mono stream at a fixed input rate to [TargetRate].
// Polyphase filter history is kept between calls to Convert, so splitting a
// signal into arbitrary chunks yields the same output as converting it in one
// piece. A Resampler belongs to a single stream; it is not safe for
// concurrent use.
type Resampler struct {
	inputRate int
	engine    resampling.Resampler

	in []float64
}

// NewResampler creates a resampler for inputRate. When inputRate equals
// [TargetRate] the resampler is a pass-through.
func NewResampler(inputRate int, quality Quality) (*Resampler, error) {
	if inputRate < MinInputRate || inputRate > MaxInputRate {
		return nil, fmt.Errorf("%w: %d Hz (accepted %d..%d)", ErrUnsupportedRate, inputRate, MinInputRate, MaxInputRate)
	}
	r := &Resampler{inputRate: inputRate}
	if inputRate == TargetRate {
		return r, nil
	}

	engine, err := resampling.New(&resampling.Config{
		InputRate:  float64(inputRate),
		OutputRate: float64(TargetRate),
		Channels:   1,
		Quality:    quality.spec(),
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %d->%d: %w", inputRate, TargetRate, err)
	}
	r.engine = engine
	return r, nil
}

// InputRate returns the rate the resampler was built for.
func (r *Resampler) InputRate() int { return r.inputRate }

// Passthrough reports whether Convert copies input unchanged.
func (r *Resampler) Passthrough() bool { return r.engine == nil }

// Convert resamples the next chunk of the stream. The returned slice is newly
// allocated. The filter delays output, so early calls may return fewer samples
// than the rate ratio suggests; the shortfall is delivered by later calls or
// by [Resampler.Flush].
func (r *Resampler) Convert(samples []float32) ([]float32, error) {
	if r.engine == nil {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}
	if len(samples) == 0 {
		return nil, nil
	}

	if cap(r.in) < len(samples) {
		r.in = make([]float64, len(samples))
	}
	in := r.in[:len(samples)]
	for i, s := range samples {
		in[i] = float64(s)
	}

	out, err := r.engine.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	return toFloat32(out), nil
}

// Flush drains samples still held in the filter at the end of a stream.
func (r *Resampler) Flush() ([]float32, error) {
	if r.engine == nil {
		return nil, nil
	}
	out, err := r.engine.Flush()
	if err != nil {
		return nil, fmt.Errorf("audio: resampler flush: %w", err)
	}
	return toFloat32(out), nil
}

// OutputLen estimates how many 16 kHz samples n input samples produce.
func (r *Resampler) OutputLen(n int) int {
	return int(int64(n) * TargetRate / int64(r.inputRate))
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
