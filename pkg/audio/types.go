package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a compact representation like "48000Hz/2ch".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Chunk is a run of mono float32 samples delivered by a [Source] in one
// callback. Samples are normalised to [-1, 1].
type Chunk struct {
	// Samples holds mono amplitudes. The slice is only valid for the duration
	// of the callback that received it.
	Samples []float32

	// SampleRate in Hz at which Samples were captured.
	SampleRate int

	// Timestamp marks when this chunk was captured, relative to stream start.
	Timestamp time.Duration
}

func formatString(sampleRate, channels int) string {
	return fmt.Sprintf("%dHz/%dch", sampleRate, channels)
}
