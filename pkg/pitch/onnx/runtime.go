//go:build onnx

package onnx

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
)

// The runtime environment is process-wide and initialised once. The error is
// kept so later calls surface the same failure.
var (
	ortOnce    sync.Once
	ortInitErr error
)

func ensureEnvironment(library string) error {
	ortOnce.Do(func() {
		path, err := ResolveLibrary(library)
		if err != nil {
			ortInitErr = err
			return
		}
		ort.SetSharedLibraryPath(path)
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Compile-time check that Engine satisfies pitch.Estimator.
var _ pitch.Estimator = (*Engine)(nil)

// Engine wraps an ONNX Runtime session with preallocated tensors. The session
// reuses its tensors, so Infer calls are serialised.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// Available reports whether the ONNX Runtime backend is compiled in.
func Available() bool { return true }

// New loads cfg.ModelPath into a runtime session.
func New(cfg Config) (pitch.Estimator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := ensureEnvironment(cfg.Library); err != nil {
		return nil, fmt.Errorf("onnx: initialise runtime: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("onnx: create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Bins)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("onnx: create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, pitch.Configf("onnx", "load %q: %v", cfg.ModelPath, err)
	}
	return &Engine{cfg: cfg, session: session, input: input, output: output}, nil
}

// Infer implements [pitch.Estimator].
func (e *Engine) Infer(f pitch.Frame) (pitch.Distribution, error) {
	if len(f.Samples) != e.cfg.FrameSize {
		return pitch.Distribution{}, pitch.Configf("onnx", "frame %d has %d samples, want %d", f.Index, len(f.Samples), e.cfg.FrameSize)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return pitch.Distribution{}, fmt.Errorf("onnx: engine closed")
	}
	copy(e.input.GetData(), f.Samples)
	if err := e.session.Run(); err != nil {
		return pitch.Distribution{}, fmt.Errorf("onnx: inference: %w", err)
	}
	probs, err := normalize(e.output.GetData())
	if err != nil {
		return pitch.Distribution{}, err
	}
	return pitch.Distribution{Index: f.Index, Probabilities: probs}, nil
}

// InputSize implements [pitch.Estimator].
func (e *Engine) InputSize() int { return e.cfg.FrameSize }

// Bins implements [pitch.Estimator].
func (e *Engine) Bins() int { return e.cfg.Bins }

// Close releases runtime resources. Safe to call multiple times.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
	return nil
}
