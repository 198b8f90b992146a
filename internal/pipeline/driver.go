// Package pipeline runs the consumer side of the pitch pipeline: it drains the
// capture ring, resamples to 16 kHz, cuts overlapping frames, runs inference
// and decodes every frame into a [pitch.Estimate].
//
// A [Driver] is a single goroutine. Frames are inferred one at a time in the
// order they were cut, so estimates leave the driver in strict frame order.
// When inference falls behind the hop rate the driver does not queue: the
// ring's drop-oldest policy sheds the backlog and the drops are counted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pitchoverlay/internal/observe"
	"github.com/MrWong99/pitchoverlay/pkg/audio"
	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/decode"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/window"
)

// Default settings applied by [New] for zero [Config] fields.
const (
	DefaultOutputBuffer = 256
	DefaultInputRate    = audio.TargetRate
)

// Config holds the static settings of one pipeline session.
type Config struct {
	// InputRate is the sample rate of the samples in the ring.
	InputRate int

	// Quality selects the resampling filter.
	Quality audio.Quality

	// Hop is the stride between frames at 16 kHz. Default [pitch.HopSize].
	Hop int

	// Center pads the start of the stream so frame n is centred on sample
	// n*Hop.
	Center bool

	// Epsilon floors the standard deviation during frame normalisation.
	Epsilon float64

	// OutputBuffer is the capacity of the estimates channel.
	OutputBuffer int

	// SessionID tags log lines. Optional.
	SessionID string
}

func (c Config) withDefaults() Config {
	if c.InputRate == 0 {
		c.InputRate = DefaultInputRate
	}
	if c.Quality == "" {
		c.Quality = audio.QualityHigh
	}
	if c.Hop == 0 {
		c.Hop = pitch.HopSize
	}
	if c.OutputBuffer == 0 {
		c.OutputBuffer = DefaultOutputBuffer
	}
	return c
}

// MinRingCapacity returns the smallest ring capacity, in input-rate samples,
// that can hold one frame plus one hop worth of audio.
func MinRingCapacity(inputRate, frameSize, hop int) int {
	n := int64(frameSize+hop) * int64(inputRate)
	return int((n + audio.TargetRate - 1) / audio.TargetRate)
}

// Option configures optional behaviour of a [Driver].
type Option func(*Driver)

// WithMetrics sets the instruments the driver records into. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithClock overrides the wall clock used for Stats.LastFrame.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// Stats is a point-in-time view of a driver's counters.
type Stats struct {
	// Frames counts frames that produced an estimate.
	Frames uint64

	// Anomalies counts frames discarded because of a non-finite value.
	Anomalies uint64

	// DroppedSamples is the ring's total drop count.
	DroppedSamples uint64

	// Overruns counts ring pushes that had to drop samples.
	Overruns uint64

	// Backlog is the number of unread samples in the ring.
	Backlog int

	// LastFrame is the wall time the most recent estimate was emitted.
	// Zero until the first estimate.
	LastFrame time.Time

	// Running reports whether Run is active.
	Running bool
}

// Driver is the pipeline consumer. Create one with [New] and call
// [Driver.Run] exactly once.
type Driver struct {
	cfg     Config
	ring    *audio.Ring
	est     pitch.Estimator
	dec     *decode.Decoder
	res     *audio.Resampler
	win     *window.Windower
	out     chan pitch.Estimate
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	runOnce sync.Once
	running atomic.Bool

	frames      atomic.Uint64
	anomalies   atomic.Uint64
	lastFrame   atomic.Int64
	lastDropped uint64

	overrunLogged atomic.Bool
	anomalyLogged atomic.Bool
}

// New validates cfg against its collaborators and returns a stopped driver.
// All parameters are required. Every mismatch between the ring, windower and
// estimator is reported as a [pitch.ConfigurationError]; an input rate the
// resampler cannot serve is reported as [audio.ErrUnsupportedRate].
func New(cfg Config, ring *audio.Ring, est pitch.Estimator, dec *decode.Decoder, opts ...Option) (*Driver, error) {
	cfg = cfg.withDefaults()
	switch {
	case ring == nil:
		return nil, pitch.Configf("pipeline", "ring is required")
	case est == nil:
		return nil, pitch.Configf("pipeline", "estimator is required")
	case dec == nil:
		return nil, pitch.Configf("pipeline", "decoder is required")
	case cfg.OutputBuffer < 0:
		return nil, pitch.Configf("pipeline", "output buffer %d must not be negative", cfg.OutputBuffer)
	}

	frameSize := est.InputSize()
	if need := MinRingCapacity(cfg.InputRate, frameSize, cfg.Hop); ring.Cap() < need {
		return nil, pitch.Configf("pipeline", "ring capacity %d below one frame plus hop (%d samples at %d Hz)", ring.Cap(), need, cfg.InputRate)
	}

	res, err := audio.NewResampler(cfg.InputRate, cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	win, err := window.New(window.Config{
		FrameSize: frameSize,
		Hop:       cfg.Hop,
		Center:    cfg.Center,
		Epsilon:   cfg.Epsilon,
	})
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:  cfg,
		ring: ring,
		est:  est,
		dec:  dec,
		res:  res,
		win:  win,
		out:  make(chan pitch.Estimate, cfg.OutputBuffer),
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if cfg.SessionID != "" {
		d.log = d.log.With("session_id", cfg.SessionID)
	}
	return d, nil
}

// Estimates returns the ordered output stream. It is closed when Run returns.
func (d *Driver) Estimates() <-chan pitch.Estimate { return d.out }

// Stats returns the current counters.
func (d *Driver) Stats() Stats {
	s := Stats{
		Frames:         d.frames.Load(),
		Anomalies:      d.anomalies.Load(),
		DroppedSamples: d.ring.Dropped(),
		Overruns:       d.ring.Overruns(),
		Backlog:        d.ring.Len(),
		Running:        d.running.Load(),
	}
	if ns := d.lastFrame.Load(); ns != 0 {
		s.LastFrame = time.Unix(0, ns)
	}
	return s
}

// ErrAlreadyRun is returned by a second call to [Driver.Run].
var ErrAlreadyRun = errors.New("pipeline: driver already run")

// Run consumes the ring until ctx is cancelled. It returns nil on
// cancellation and a non-nil error only for failures that end the session,
// such as a resampler error or an estimator rejecting a frame. Numeric
// anomalies are not fatal. The estimates channel is closed on return.
func (d *Driver) Run(ctx context.Context) error {
	err := ErrAlreadyRun
	d.runOnce.Do(func() {
		d.running.Store(true)
		defer d.running.Store(false)
		defer close(d.out)
		err = d.loop(ctx)
	})
	return err
}

func (d *Driver) loop(ctx context.Context) error {
	d.log.Info("pipeline started",
		"input_rate", d.cfg.InputRate,
		"hop", d.cfg.Hop,
		"frame_size", d.win.Config().FrameSize,
		"resampling", !d.res.Passthrough(),
	)
	buf := make([]float32, d.ring.Cap())
	for {
		select {
		case <-ctx.Done():
			d.log.Info("pipeline stopped", "frames", d.frames.Load(), "anomalies", d.anomalies.Load())
			return nil
		case <-d.ring.Notify():
		}
		if err := d.step(ctx, buf); err != nil {
			if ctx.Err() != nil {
				d.log.Info("pipeline stopped", "frames", d.frames.Load(), "anomalies", d.anomalies.Load())
				return nil
			}
			return err
		}
	}
}

// step drains everything currently buffered and processes every frame it
// completes.
func (d *Driver) step(ctx context.Context, buf []float32) error {
	n := d.ring.Drain(buf)
	d.recordRing(ctx)
	if n == 0 {
		return nil
	}

	samples, err := d.res.Convert(buf[:n])
	if err != nil {
		return err
	}
	d.win.Push(samples)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, ok := d.win.Next()
		if !ok {
			return nil
		}
		if err := d.process(ctx, frame); err != nil {
			return err
		}
	}
}

func (d *Driver) process(ctx context.Context, frame pitch.Frame) error {
	start := time.Now()
	dist, err := d.est.Infer(frame)
	elapsed := time.Since(start)

	var anomaly *pitch.NumericAnomalyError
	switch {
	case errors.As(err, &anomaly):
		d.anomalies.Add(1)
		d.metrics.RecordAnomaly(ctx, anomaly.Layer, anomaly.Name)
		d.logOnce(&d.anomalyLogged, "frame discarded after numeric anomaly",
			"frame", frame.Index, "layer", anomaly.Layer, "layer_name", anomaly.Name, "err", err)
		return nil
	case err != nil:
		return fmt.Errorf("pipeline: infer frame %d: %w", frame.Index, err)
	}

	est := d.dec.Decode(dist)
	est.Index = frame.Index
	d.metrics.RecordEstimate(ctx, elapsed.Seconds(), est.Confidence)

	select {
	case d.out <- est:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.frames.Add(1)
	d.lastFrame.Store(d.now().UnixNano())
	return nil
}

func (d *Driver) recordRing(ctx context.Context) {
	total := d.ring.Dropped()
	delta := total - d.lastDropped
	if total < d.lastDropped {
		// Ring was reset underneath us.
		delta = total
	}
	d.lastDropped = total
	d.metrics.RecordRing(ctx, delta, d.ring.Len())
	if delta > 0 {
		d.logOnce(&d.overrunLogged, "ring buffer overrun, inference is falling behind",
			"dropped", delta, "total_dropped", total)
	}
}

// logOnce logs at Warn the first time flag is raised and at Debug afterwards.
func (d *Driver) logOnce(flag *atomic.Bool, msg string, args ...any) {
	if flag.CompareAndSwap(false, true) {
		d.log.Warn(msg, args...)
		return
	}
	d.log.Debug(msg, args...)
}
