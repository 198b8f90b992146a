package crepe

import (
	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/nn"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

// Compile-time check that Engine satisfies pitch.Estimator.
var _ pitch.Estimator = (*Engine)(nil)

// Engine runs a weights-backed network over normalised frames. It holds no
// per-call state, so Infer may be called from several goroutines at once.
type Engine struct {
	model string
	meta  weights.Metadata
	net   *nn.Network
}

type engineOptions struct {
	workers int
}

// Option configures an [Engine].
type Option func(*engineOptions)

// WithWorkers sets intra-layer parallelism for convolution and dense layers.
func WithWorkers(n int) Option {
	return func(o *engineOptions) { o.workers = n }
}

// NewEngine compiles w into an engine. The network must take exactly one
// frame of metadata.frame_size samples and end in a softmax over
// metadata.bins outputs; anything else is a [pitch.ConfigurationError].
func NewEngine(w *weights.Weights, opts ...Option) (*Engine, error) {
	if w == nil {
		return nil, pitch.Configf("crepe", "weights must not be nil")
	}
	o := engineOptions{workers: 1}
	for _, opt := range opts {
		opt(&o)
	}

	meta := w.Metadata()
	input := w.InputShape()
	if input.Len() != meta.FrameSize || (len(input) == 2 && input[1] != 1) || len(input) > 2 {
		return nil, pitch.Configf("crepe", "input shape %v is not one mono frame of %d samples", input, meta.FrameSize)
	}
	layers := w.Layers()
	if len(layers) == 0 || layers[len(layers)-1].Kind != nn.KindSoftmax {
		return nil, pitch.Configf("crepe", "network must end in a softmax so outputs form a distribution")
	}

	net, err := nn.New(input, layers, nn.WithWorkers(o.workers))
	if err != nil {
		return nil, err
	}
	if out := net.OutputShape(); len(out) != 1 || out[0] != meta.Bins {
		return nil, pitch.Configf("crepe", "network output %v, metadata declares %d bins", out, meta.Bins)
	}
	return &Engine{model: w.Model(), meta: meta, net: net}, nil
}

// Infer implements [pitch.Estimator].
func (e *Engine) Infer(f pitch.Frame) (pitch.Distribution, error) {
	if len(f.Samples) != e.meta.FrameSize {
		return pitch.Distribution{}, pitch.Configf("crepe", "frame %d has %d samples, want %d", f.Index, len(f.Samples), e.meta.FrameSize)
	}
	probs, err := e.net.Forward(f.Samples)
	if err != nil {
		return pitch.Distribution{}, err
	}
	return pitch.Distribution{Index: f.Index, Probabilities: probs}, nil
}

// InputSize implements [pitch.Estimator].
func (e *Engine) InputSize() int { return e.meta.FrameSize }

// Bins implements [pitch.Estimator].
func (e *Engine) Bins() int { return e.meta.Bins }

// Close implements [pitch.Estimator]. The native engine holds no external
// resources.
func (e *Engine) Close() error { return nil }

// Model returns the model name from the weights.
func (e *Engine) Model() string { return e.model }

// Metadata returns the weights metadata the engine was built from.
func (e *Engine) Metadata() weights.Metadata { return e.meta }

// Network exposes the compiled layer stack for inspection.
func (e *Engine) Network() *nn.Network { return e.net }
