package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/pitchoverlay/pkg/audio"
	"github.com/MrWong99/pitchoverlay/pkg/pitch"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to constructors for inference engines and audio
// sources. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	estimators map[Backend]func(ModelConfig) (pitch.Estimator, error)
	sources    map[SourceKind]func(AudioConfig) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		estimators: make(map[Backend]func(ModelConfig) (pitch.Estimator, error)),
		sources:    make(map[SourceKind]func(AudioConfig) (audio.Source, error)),
	}
}

// RegisterEstimator registers an inference backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEstimator(name Backend, factory func(ModelConfig) (pitch.Estimator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimators[name] = factory
}

// RegisterSource registers an audio source factory under name.
func (r *Registry) RegisterSource(name SourceKind, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateEstimator builds the estimator registered under cfg.Backend.
// Returns [ErrNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateEstimator(cfg ModelConfig) (pitch.Estimator, error) {
	r.mu.RLock()
	factory, ok := r.estimators[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateSource builds the source registered under cfg.Source.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// Backends returns the registered estimator names, sorted.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.estimators))
	for name := range r.estimators {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
