// Package window slices a 16 kHz sample stream into overlapping, normalised
// analysis frames.
package window

import (
	"math"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
)

// Config controls frame extraction.
type Config struct {
	// FrameSize is the length of each frame. Default [pitch.FrameSize].
	FrameSize int

	// Hop is the stride between frame starts. It must be smaller than
	// FrameSize. Default [pitch.HopSize].
	Hop int

	// Center prepends FrameSize/2 zeros to the stream so frame n is centred
	// on sample n*Hop, as the network was trained.
	Center bool

	// Epsilon floors the standard deviation during normalisation.
	// Default 1e-8.
	Epsilon float64
}

func (c Config) withDefaults() Config {
	if c.FrameSize == 0 {
		c.FrameSize = pitch.FrameSize
	}
	if c.Hop == 0 {
		c.Hop = pitch.HopSize
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	return c
}

// Windower buffers samples and yields one frame per hop once a full frame is
// available. Samples that can no longer be part of a future frame are
// released. A Windower is not safe for concurrent use; the pipeline owns it.
type Windower struct {
	cfg   Config
	buf   []float32
	start int
	next  int64
}

// New validates cfg and returns an empty windower.
func New(cfg Config) (*Windower, error) {
	cfg = cfg.withDefaults()
	if cfg.FrameSize <= 0 {
		return nil, pitch.Configf("window", "frame size %d must be positive", cfg.FrameSize)
	}
	if cfg.Hop <= 0 || cfg.Hop >= cfg.FrameSize {
		return nil, pitch.Configf("window", "hop %d must be in [1, %d)", cfg.Hop, cfg.FrameSize)
	}
	if cfg.Epsilon <= 0 || math.IsNaN(cfg.Epsilon) {
		return nil, pitch.Configf("window", "epsilon %v must be positive", cfg.Epsilon)
	}
	w := &Windower{cfg: cfg, buf: make([]float32, 0, 2*cfg.FrameSize)}
	w.Reset()
	return w, nil
}

// Config returns the effective configuration.
func (w *Windower) Config() Config { return w.cfg }

// Push appends samples to the stream.
func (w *Windower) Push(samples []float32) {
	if w.start > 0 && w.start >= len(w.buf)/2 {
		n := copy(w.buf, w.buf[w.start:])
		w.buf = w.buf[:n]
		w.start = 0
	}
	w.buf = append(w.buf, samples...)
}

// Next returns the next normalised frame, or false when fewer than FrameSize
// samples are buffered past the current frame start.
func (w *Windower) Next() (pitch.Frame, bool) {
	if len(w.buf)-w.start < w.cfg.FrameSize {
		return pitch.Frame{}, false
	}
	samples := make([]float32, w.cfg.FrameSize)
	Normalize(samples, w.buf[w.start:w.start+w.cfg.FrameSize], w.cfg.Epsilon)
	f := pitch.Frame{Index: w.next, Samples: samples}
	w.next++
	w.start += w.cfg.Hop
	return f, true
}

// Buffered returns the number of samples held past the current frame start.
func (w *Windower) Buffered() int { return len(w.buf) - w.start }

// NextIndex returns the index the next frame will carry.
func (w *Windower) NextIndex() int64 { return w.next }

// Reset drops buffered samples and restarts frame numbering at zero.
func (w *Windower) Reset() {
	w.buf = w.buf[:0]
	w.start = 0
	w.next = 0
	if w.cfg.Center {
		w.buf = append(w.buf, make([]float32, w.cfg.FrameSize/2)...)
	}
}

// Normalize writes frame shifted to zero mean and divided by its population
// standard deviation, floored at eps, into dst. Statistics are accumulated in
// float64. dst and frame must have equal length.
func Normalize(dst, frame []float32, eps float64) {
	if len(frame) == 0 {
		return
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v)
	}
	mean := sum / float64(len(frame))
	var ss float64
	for _, v := range frame {
		d := float64(v) - mean
		ss += d * d
	}
	std := max(math.Sqrt(ss/float64(len(frame))), eps)
	for i, v := range frame {
		dst[i] = float32((float64(v) - mean) / std)
	}
}
