package audio

import "sync/atomic"

// MonoConverter turns interleaved little-endian int16 PCM into mono float32
// samples. Convert runs on the audio callback, so it never logs; malformed
// buffers are counted instead and the owner reports them from its own
// goroutine. Create one per stream. Only the counters are safe to read
// concurrently with Convert.
type MonoConverter struct {
	Channels int

	truncated      atomic.Uint64
	truncatedBytes atomic.Uint64
	buf            []float32
}

// Convert decodes pcm into mono samples. The returned slice is reused by the
// next call; callers that retain samples must copy them. Trailing bytes that do
// not form a complete interleaved frame are dropped and counted.
func (c *MonoConverter) Convert(pcm []byte) []float32 {
	channels := max(c.Channels, 1)
	frameBytes := 2 * channels
	if rem := len(pcm) % frameBytes; rem != 0 {
		c.truncated.Add(1)
		c.truncatedBytes.Add(uint64(rem))
	}
	frames := len(pcm) / frameBytes
	if cap(c.buf) < frames {
		c.buf = make([]float32, frames)
	}
	out := c.buf[:frames]

	if channels == 1 {
		S16ToFloat32(out, pcm)
		return out
	}
	DownmixS16(out, pcm, channels)
	return out
}

// Truncated returns how many buffers ended in a partial frame and how many
// bytes were dropped from them in total.
func (c *MonoConverter) Truncated() (buffers, bytes uint64) {
	return c.truncated.Load(), c.truncatedBytes.Load()
}

// S16ToFloat32 decodes little-endian int16 samples from pcm into dst, scaling
// to [-1, 1). It returns the number of samples written.
func S16ToFloat32(dst []float32, pcm []byte) int {
	n := min(len(dst), len(pcm)/2)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		dst[i] = float32(s) / 32768.0
	}
	return n
}

// DownmixS16 averages each interleaved frame of channels int16 samples into one
// float32 sample. Uses int32 accumulation to prevent overflow.
func DownmixS16(dst []float32, pcm []byte, channels int) int {
	frameBytes := 2 * channels
	n := min(len(dst), len(pcm)/frameBytes)
	for i := range n {
		var sum int32
		base := i * frameBytes
		for ch := range channels {
			off := base + ch*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		dst[i] = float32(sum) / float32(channels) / 32768.0
	}
	return n
}

// Downmix averages interleaved float32 frames into mono. When channels is 1 the
// input is copied unchanged.
func Downmix(dst, interleaved []float32, channels int) int {
	if channels <= 1 {
		return copy(dst, interleaved)
	}
	n := min(len(dst), len(interleaved)/channels)
	scale := 1 / float32(channels)
	for i := range n {
		var sum float32
		for _, s := range interleaved[i*channels : (i+1)*channels] {
			sum += s
		}
		dst[i] = sum * scale
	}
	return n
}
