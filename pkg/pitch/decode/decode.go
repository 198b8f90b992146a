// Package decode turns a bin distribution into a single pitch estimate by a
// probability-weighted average of bin centres around the peak.
//
// Each frame is decoded independently. There is no smoothing across frames;
// any averaging for display happens downstream.
package decode

import (
	"math"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

// DefaultRadius is the number of bins on each side of the peak that take part
// in the weighted average.
const DefaultRadius = 4

// Mapping is the logarithmic bin layout used at training time: bin i is
// centred on CentsOffset + i*CentsPerBin cents above 10 Hz.
type Mapping struct {
	CentsOffset float64
	CentsPerBin float64
}

// MappingFrom reads the bin layout from weights metadata.
func MappingFrom(meta weights.Metadata) Mapping {
	meta = meta.WithDefaults()
	return Mapping{CentsOffset: meta.CentsOffset, CentsPerBin: meta.CentsPerBin}
}

// BinCents returns the centre of bin i in cents.
func (m Mapping) BinCents(i int) float64 { return m.CentsOffset + float64(i)*m.CentsPerBin }

// BinHz returns the centre of bin i in Hz.
func (m Mapping) BinHz(i int) float64 { return CentsToHz(m.BinCents(i)) }

// HzToBin returns the fractional bin position of f.
func (m Mapping) HzToBin(f float64) float64 { return (HzToCents(f) - m.CentsOffset) / m.CentsPerBin }

// CentsToHz converts cents above 10 Hz to Hz.
func CentsToHz(c float64) float64 { return 10 * math.Pow(2, c/1200) }

// HzToCents converts Hz to cents above 10 Hz.
func HzToCents(f float64) float64 { return 1200 * math.Log2(f/10) }

// Decoder maps distributions to estimates. A Decoder is immutable and safe
// for concurrent use.
type Decoder struct {
	mapping Mapping
	radius  int
	hop     int
}

// Option configures a [Decoder].
type Option func(*Decoder)

// WithRadius sets the half-width of the averaging window in bins.
func WithRadius(r int) Option { return func(d *Decoder) { d.radius = r } }

// WithHop sets the hop used to derive [pitch.Estimate.Time] from the frame
// index.
func WithHop(hop int) Option { return func(d *Decoder) { d.hop = hop } }

// New returns a decoder for mapping.
func New(m Mapping, opts ...Option) (*Decoder, error) {
	d := &Decoder{mapping: m, radius: DefaultRadius, hop: pitch.HopSize}
	for _, opt := range opts {
		opt(d)
	}
	if m.CentsPerBin <= 0 || math.IsNaN(m.CentsOffset) || math.IsInf(m.CentsOffset, 0) {
		return nil, pitch.Configf("decode", "invalid bin mapping %+v", m)
	}
	if d.radius < 0 {
		return nil, pitch.Configf("decode", "radius %d must not be negative", d.radius)
	}
	if d.hop <= 0 {
		return nil, pitch.Configf("decode", "hop %d must be positive", d.hop)
	}
	return d, nil
}

// Mapping returns the decoder's bin layout.
func (d *Decoder) Mapping() Mapping { return d.mapping }

// Decode picks the most probable bin, lowest index first on ties, and
// averages bin centres in cents over the bins within the radius, weighted by
// probability. The window is cut at the ends of the distribution. Confidence
// is the peak probability. An empty distribution decodes to NaN with zero
// confidence.
func (d *Decoder) Decode(dist pitch.Distribution) pitch.Estimate {
	est := pitch.Estimate{
		Index: dist.Index,
		Time:  pitch.FrameTime(dist.Index, d.hop),
		Bin:   -1,
	}
	probs := dist.Probabilities
	if len(probs) == 0 {
		est.FrequencyHz = math.NaN()
		return est
	}

	peak := 0
	for i, p := range probs[1:] {
		if p > probs[peak] {
			peak = i + 1
		}
	}
	lo := max(0, peak-d.radius)
	hi := min(len(probs)-1, peak+d.radius)

	var num, den float64
	for i := lo; i <= hi; i++ {
		p := float64(probs[i])
		num += p * d.mapping.BinCents(i)
		den += p
	}
	cents := d.mapping.BinCents(peak)
	if den > 0 {
		cents = num / den
	}

	est.Bin = peak
	est.FrequencyHz = CentsToHz(cents)
	est.Confidence = float64(probs[peak])
	return est
}
