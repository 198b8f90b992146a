package display

import (
	"context"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
)

// Pump feeds estimates into agg and publishes every finished point to sinks,
// in order. It returns when in is closed or ctx is done.
func Pump(ctx context.Context, in <-chan pitch.Estimate, agg *Aggregator, sinks ...Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-in:
			if !ok {
				return nil
			}
			p, done := agg.Add(e)
			if !done {
				continue
			}
			for _, s := range sinks {
				s.Publish(p)
			}
		}
	}
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Point)

// Publish implements [Sink].
func (f SinkFunc) Publish(p Point) { f(p) }
