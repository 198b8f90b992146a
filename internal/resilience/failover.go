package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

// ErrAllFailed is returned by [Failover.Infer] when every backend failed or
// is tripped for a frame.
var ErrAllFailed = errors.New("resilience: all backends failed")

// Backend names one estimator of a [Failover].
type Backend struct {
	Name      string
	Estimator pitch.Estimator
}

// Failover is a [pitch.Estimator] that infers each frame on the first healthy
// backend in order. Numeric anomalies are a property of the frame, not the
// backend: they are returned as is and never trip a breaker.
type Failover struct {
	backends []Backend
	breakers []*Breaker
	log      *slog.Logger
}

var _ pitch.Estimator = (*Failover)(nil)

// NewFailover groups backends, primary first. Every backend must agree on
// frame size and bin count. cfg is the template for each backend's breaker;
// its Name and Counts are set per backend.
func NewFailover(cfg BreakerConfig, backends ...Backend) (*Failover, error) {
	if len(backends) == 0 {
		return nil, pitch.Configf("resilience", "no backends")
	}
	primary := backends[0].Estimator
	f := &Failover{backends: backends, log: cfg.Logger}
	if f.log == nil {
		f.log = slog.Default()
	}
	for _, b := range backends {
		if b.Estimator.InputSize() != primary.InputSize() || b.Estimator.Bins() != primary.Bins() {
			return nil, pitch.Configf("resilience",
				"backend %q has frame %d and %d bins, primary has %d and %d",
				b.Name, b.Estimator.InputSize(), b.Estimator.Bins(), primary.InputSize(), primary.Bins())
		}
		if m, pm := metadataOf(b.Estimator), metadataOf(primary); m.CentsOffset != pm.CentsOffset || m.CentsPerBin != pm.CentsPerBin {
			return nil, pitch.Configf("resilience", "backend %q maps bins differently from the primary", b.Name)
		}
		bc := cfg
		bc.Name = "estimator/" + b.Name
		bc.Counts = countsAsFailure
		f.breakers = append(f.breakers, NewBreaker(bc))
	}
	return f, nil
}

func countsAsFailure(err error) bool { return !errors.Is(err, pitch.ErrNumericAnomaly) }

// Infer implements [pitch.Estimator].
func (f *Failover) Infer(frame pitch.Frame) (pitch.Distribution, error) {
	var lastErr error
	for i, b := range f.backends {
		var dist pitch.Distribution
		err := f.breakers[i].Do(func() error {
			var err error
			dist, err = b.Estimator.Infer(frame)
			return err
		})
		switch {
		case err == nil:
			return dist, nil
		case errors.Is(err, pitch.ErrNumericAnomaly):
			return pitch.Distribution{}, err
		case errors.Is(err, ErrCircuitOpen):
			f.log.Debug("skipping backend (circuit open)", "backend", b.Name)
		default:
			f.log.Warn("backend failed, trying next", "backend", b.Name, "frame", frame.Index, "err", err)
		}
		lastErr = err
	}
	return pitch.Distribution{}, fmt.Errorf("%w: frame %d: %v", ErrAllFailed, frame.Index, lastErr)
}

// InputSize implements [pitch.Estimator].
func (f *Failover) InputSize() int { return f.backends[0].Estimator.InputSize() }

// Bins implements [pitch.Estimator].
func (f *Failover) Bins() int { return f.backends[0].Estimator.Bins() }

// Close closes every backend.
func (f *Failover) Close() error {
	var errs []error
	for _, b := range f.backends {
		if err := b.Estimator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Metadata returns the primary's bin layout, or the CREPE layout when the
// primary does not carry one.
func (f *Failover) Metadata() weights.Metadata { return metadataOf(f.backends[0].Estimator) }

func metadataOf(e pitch.Estimator) weights.Metadata {
	if m, ok := e.(interface{ Metadata() weights.Metadata }); ok {
		return m.Metadata().WithDefaults()
	}
	return weights.DefaultMetadata()
}

// Model lists the backend names in failover order.
func (f *Failover) Model() string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name
	}
	return strings.Join(names, ">")
}

// States reports each backend's breaker state by name.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.backends))
	for i, b := range f.backends {
		out[b.Name] = f.breakers[i].State()
	}
	return out
}
