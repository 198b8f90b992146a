package audio_test

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"math"
	"testing"

	"github.com/MrWong99/pitchoverlay/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestS16ToFloat32(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 16384, -32768, 32767})
	dst := make([]float32, 4)
	if n := audio.S16ToFloat32(dst, pcm); n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	want := []float32{0, 0.5, -1, 32767.0 / 32768.0}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestDownmixS16_Stereo(t *testing.T) {
	// Two stereo frames: L=16384,R=0 and L=-16384,R=-16384
	pcm := samplesToBytes([]int16{16384, 0, -16384, -16384})
	dst := make([]float32, 2)
	if n := audio.DownmixS16(dst, pcm, 2); n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if dst[0] != 0.25 {
		t.Errorf("frame 0: got %v, want 0.25", dst[0])
	}
	if dst[1] != -0.5 {
		t.Errorf("frame 1: got %v, want -0.5", dst[1])
	}
}

func TestDownmixS16_NoOverflow(t *testing.T) {
	pcm := samplesToBytes([]int16{32767, 32767})
	dst := make([]float32, 1)
	audio.DownmixS16(dst, pcm, 2)
	if dst[0] > 1 || dst[0] < 0.99 {
		t.Errorf("got %v, want just below 1", dst[0])
	}
}

func TestDownmix_Float(t *testing.T) {
	in := []float32{1, 0, 0.5, 0.5, -1, -0.5}
	dst := make([]float32, 3)
	if n := audio.Downmix(dst, in, 2); n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	want := []float32{0.5, 0.5, -0.75}
	for i := range want {
		if math.Abs(float64(dst[i]-want[i])) > 1e-7 {
			t.Errorf("frame %d: got %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestMonoConverter(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		pcm      []int16
		extra    int // trailing garbage bytes
		want     []float32
	}{
		{name: "mono", channels: 1, pcm: []int16{16384, -16384}, want: []float32{0.5, -0.5}},
		{name: "stereo", channels: 2, pcm: []int16{16384, 16384, 0, -16384}, want: []float32{0.5, -0.25}},
		{name: "partial frame truncated", channels: 2, pcm: []int16{16384, 16384}, extra: 2, want: []float32{0.5}},
		{name: "zero channels treated as mono", channels: 0, pcm: []int16{-32768}, want: []float32{-1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := audio.MonoConverter{Channels: tt.channels}
			pcm := samplesToBytes(tt.pcm)
			pcm = append(pcm, make([]byte, tt.extra)...)
			got := conv.Convert(pcm)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// TestMonoConverter_CountsWithoutLogging runs on the capture callback path,
// so malformed and multi-channel buffers must never reach the logger.
func TestMonoConverter_CountsWithoutLogging(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	conv := audio.MonoConverter{Channels: 2}
	whole := samplesToBytes([]int16{100, 200, 300, 400})
	conv.Convert(whole)
	if n, b := conv.Truncated(); n != 0 || b != 0 {
		t.Fatalf("Truncated() after whole frames = %d, %d, want 0, 0", n, b)
	}

	conv.Convert(append(samplesToBytes([]int16{1, 2}), 0, 0))
	conv.Convert(append(samplesToBytes([]int16{1, 2}), 0, 0, 0))
	conv.Convert(whole)
	if n, b := conv.Truncated(); n != 2 || b != 5 {
		t.Errorf("Truncated() = %d, %d, want 2, 5", n, b)
	}
	if logs.Len() != 0 {
		t.Errorf("Convert logged %q", logs.String())
	}
}

func TestFormat_String(t *testing.T) {
	f := audio.Format{SampleRate: 48000, Channels: 2}
	if got := f.String(); got != "48000Hz/2ch" {
		t.Errorf("String() = %q, want %q", got, "48000Hz/2ch")
	}
}
