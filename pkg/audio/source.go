package audio

// Source is a callback-driven producer of mono audio. Multi-channel devices are
// downmixed by the Source implementation before the callback fires, so
// consumers only ever see single-channel samples.
//
// The callback runs on the audio producer's thread. It must return quickly and
// must never block; pushing into a [Ring] is the intended use.
type Source interface {
	// Format reports the rate and channel count of the underlying stream. The
	// Channels value describes the device side; chunks are always mono.
	Format() Format

	// Start begins delivering chunks to onChunk. Calling Start on a running
	// source returns an error.
	Start(onChunk func(Chunk)) error

	// Stop halts delivery. After Stop returns no further callbacks fire. Stop
	// is idempotent.
	Stop() error
}
