package audio

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Sine returns n samples of a sine wave at freq Hz sampled at rate Hz,
// starting at sample offset start so consecutive calls stay phase continuous.
func Sine(freq float64, rate, n int, amplitude float64, start int) []float32 {
	out := make([]float32, n)
	w := 2 * math.Pi * freq / float64(rate)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(w*float64(start+i)))
	}
	return out
}

// Tone is a [Source] that synthesises a steady sine wave in real time. It is
// used for demos without a microphone and for end-to-end tests.
type Tone struct {
	Frequency float64
	Amplitude float64
	Rate      int
	Period    int // samples per callback

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var errToneRunning = errors.New("audio: tone source already started")

// NewTone returns a tone source. Zero values fall back to 220 Hz, amplitude
// 0.5, [TargetRate] and 160-sample periods.
func NewTone(freq, amplitude float64, rate, period int) *Tone {
	if freq <= 0 {
		freq = 220
	}
	if amplitude <= 0 {
		amplitude = 0.5
	}
	if rate <= 0 {
		rate = TargetRate
	}
	if period <= 0 {
		period = 160
	}
	return &Tone{Frequency: freq, Amplitude: amplitude, Rate: rate, Period: period}
}

// Format implements [Source].
func (t *Tone) Format() Format { return Format{SampleRate: t.Rate, Channels: 1} }

// Start implements [Source]. Chunks are emitted from a background goroutine
// at the wall-clock cadence implied by Rate and Period.
func (t *Tone) Start(onChunk func(Chunk)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errToneRunning
	}
	t.running = true
	t.done = make(chan struct{})

	interval := time.Duration(float64(t.Period) / float64(t.Rate) * float64(time.Second))
	done := t.done
	t.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var offset int
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				samples := Sine(t.Frequency, t.Rate, t.Period, t.Amplitude, offset)
				onChunk(Chunk{
					Samples:    samples,
					SampleRate: t.Rate,
					Timestamp:  time.Duration(offset) * time.Second / time.Duration(t.Rate),
				})
				offset += t.Period
			}
		}
	})
	return nil
}

// Stop implements [Source].
func (t *Tone) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.done)
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
