// Package mock provides an in-memory implementation of [audio.Source] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and exposes exported fields that the test
// can set to control return values. Audio is delivered explicitly with
// [Source.Emit], which invokes the registered callback synchronously, just as
// a driver thread would.
//
// Typical usage:
//
//	src := &mock.Source{FormatResult: audio.Format{SampleRate: 48000, Channels: 1}}
//	_ = src.Start(func(c audio.Chunk) { ring.Push(c.Samples) })
//	src.Emit(samples)
package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/pitchoverlay/pkg/audio"
)

// ErrNotStarted is returned by [Source.Emit] when no callback is registered.
var ErrNotStarted = errors.New("mock: source not started")

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by [Source.Format]. Defaults to 16 kHz mono
	// when zero.
	FormatResult audio.Format

	// StartError is returned by [Source.Start].
	StartError error

	// StopError is returned by [Source.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onChunk  func(audio.Chunk)
	position int
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult == (audio.Format{}) {
		return audio.Format{SampleRate: audio.TargetRate, Channels: 1}
	}
	return s.FormatResult
}

// Start implements [audio.Source]. It stores onChunk unless StartError is set.
func (s *Source) Start(onChunk func(audio.Chunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.onChunk = onChunk
	return nil
}

// Stop implements [audio.Source]. It clears the callback.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.onChunk = nil
	return s.StopError
}

// Running reports whether a callback is registered.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onChunk != nil
}

// Emit delivers samples to the registered callback on the calling goroutine.
func (s *Source) Emit(samples []float32) error {
	s.mu.Lock()
	cb := s.onChunk
	rate := s.FormatResult.SampleRate
	if rate == 0 {
		rate = audio.TargetRate
	}
	pos := s.position
	s.position += len(samples)
	s.mu.Unlock()

	if cb == nil {
		return ErrNotStarted
	}
	cb(audio.Chunk{
		Samples:    samples,
		SampleRate: rate,
		Timestamp:  time.Duration(pos) * time.Second / time.Duration(rate),
	})
	return nil
}
