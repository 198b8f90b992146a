package crepe_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/crepe"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/decode"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/nn"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/window"
)

// sineFrame returns one normalised frame of a sine at freq Hz.
func sineFrame(freq, phase float64) []float32 {
	raw := make([]float32, pitch.FrameSize)
	for i := range raw {
		raw[i] = float32(0.4 * math.Sin(2*math.Pi*freq*float64(i)/pitch.SampleRate+phase))
	}
	out := make([]float32, len(raw))
	window.Normalize(out, raw, 1e-8)
	return out
}

func noiseFrame(rng *rand.Rand) []float32 {
	raw := make([]float32, pitch.FrameSize)
	for i := range raw {
		raw[i] = float32(rng.NormFloat64() * 0.1)
	}
	out := make([]float32, len(raw))
	window.Normalize(out, raw, 1e-8)
	return out
}

func newEngine(t *testing.T, w *weights.Weights) *crepe.Engine {
	t.Helper()
	e, err := crepe.NewEngine(w, crepe.WithWorkers(2))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestArchitecture_TinyShapes(t *testing.T) {
	t.Parallel()
	w, err := crepe.Architecture(crepe.Tiny, 1)
	if err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, w)
	net := e.Network()

	// conv, relu, bn, pool per block: the pool outputs halve each time.
	wantPools := []tensor.Shape{{128, 128}, {64, 16}, {32, 16}, {16, 16}, {8, 32}, {4, 64}}
	for i, want := range wantPools {
		if got := net.LayerShape(4*i + 3); !got.Equal(want) {
			t.Errorf("block %d output = %v, want %v", i+1, got, want)
		}
	}
	if got := net.OutputShape(); !got.Equal(tensor.Shape{pitch.Bins}) {
		t.Errorf("output = %v, want [360]", got)
	}
	if got := w.ParamCount(); got != 487096 {
		t.Errorf("ParamCount = %d, want 487096", got)
	}
	if e.InputSize() != pitch.FrameSize || e.Bins() != pitch.Bins {
		t.Errorf("InputSize/Bins = %d/%d", e.InputSize(), e.Bins())
	}
}

func TestCapacities(t *testing.T) {
	t.Parallel()
	for _, c := range crepe.Capacities() {
		got, err := crepe.ParseCapacity(string(c))
		if err != nil || got != c {
			t.Errorf("ParseCapacity(%q) = %q, %v", c, got, err)
		}
	}
	if crepe.Full.Multiplier() != 32 {
		t.Errorf("full multiplier = %d", crepe.Full.Multiplier())
	}
	if _, err := crepe.ParseCapacity("huge"); err == nil {
		t.Error("ParseCapacity(huge) should fail")
	}
	if _, err := crepe.Architecture("huge", 0); !errors.Is(err, pitch.ErrConfiguration) {
		t.Errorf("Architecture(huge) err = %v", err)
	}
}

func TestEngine_DistributionSumsToOne(t *testing.T) {
	t.Parallel()
	w, err := crepe.Architecture(crepe.Tiny, 42)
	if err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, w)
	rng := rand.New(rand.NewPCG(5, 6))

	frames := [][]float32{
		sineFrame(220, 0),
		sineFrame(523.25, 1),
		noiseFrame(rng),
		make([]float32, pitch.FrameSize),
	}
	for i, samples := range frames {
		dist, err := e.Infer(pitch.Frame{Index: int64(i), Samples: samples})
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(dist.Probabilities) != pitch.Bins {
			t.Fatalf("frame %d: %d bins", i, len(dist.Probabilities))
		}
		if s := dist.Sum(); math.Abs(s-1) > 1e-4 {
			t.Errorf("frame %d: sum = %v, want 1", i, s)
		}
		if dist.Index != int64(i) {
			t.Errorf("frame %d: index = %d", i, dist.Index)
		}
	}
}

func TestEngine_Deterministic(t *testing.T) {
	t.Parallel()
	a, _ := crepe.Architecture(crepe.Tiny, 9)
	b, _ := crepe.Architecture(crepe.Tiny, 9)
	ea, eb := newEngine(t, a), newEngine(t, b)
	frame := pitch.Frame{Samples: sineFrame(300, 0.3)}
	da, err := ea.Infer(frame)
	if err != nil {
		t.Fatal(err)
	}
	db, err := eb.Infer(frame)
	if err != nil {
		t.Fatal(err)
	}
	for i := range da.Probabilities {
		if da.Probabilities[i] != db.Probabilities[i] {
			t.Fatalf("bin %d differs: %v vs %v", i, da.Probabilities[i], db.Probabilities[i])
		}
	}
}

func TestEngine_RejectsWrongFrameLength(t *testing.T) {
	t.Parallel()
	e := newEngine(t, crepe.Template(crepe.TemplateConfig{}))
	_, err := e.Infer(pitch.Frame{Samples: make([]float32, 100)})
	if !errors.Is(err, pitch.ErrConfiguration) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestNewEngine_Validation(t *testing.T) {
	t.Parallel()
	dense := tensor.New(pitch.FrameSize, 4)
	meta := weights.Metadata{Bins: 4}
	input := tensor.Shape{pitch.FrameSize, 1}
	tests := []struct {
		name string
		w    *weights.Weights
	}{
		{name: "nil", w: nil},
		{
			name: "no softmax",
			w:    weights.New("x", meta, input, []nn.Layer{nn.Dense("d", dense, nil)}),
		},
		{
			name: "bins mismatch",
			w: weights.New("x", weights.Metadata{Bins: 5}, input, []nn.Layer{
				nn.Dense("d", dense, nil), nn.Activation("s", nn.KindSoftmax),
			}),
		},
		{
			name: "stereo input",
			w: weights.New("x", weights.Metadata{FrameSize: 2 * pitch.FrameSize, Bins: 4}, tensor.Shape{pitch.FrameSize, 2}, []nn.Layer{
				nn.Dense("d", tensor.New(2*pitch.FrameSize, 4), nil), nn.Activation("s", nn.KindSoftmax),
			}),
		},
		{
			name: "shape mismatch in stack",
			w: weights.New("x", meta, input, []nn.Layer{
				nn.Dense("d", tensor.New(10, 4), nil), nn.Activation("s", nn.KindSoftmax),
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := crepe.NewEngine(tt.w); !errors.Is(err, pitch.ErrConfiguration) {
				t.Fatalf("err = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestTemplate_SineIsDecodedToItsPitch(t *testing.T) {
	t.Parallel()
	w := crepe.Template(crepe.TemplateConfig{})
	e := newEngine(t, w)
	d, err := decode.New(decode.MappingFrom(w.Metadata()))
	if err != nil {
		t.Fatal(err)
	}

	for _, freq := range []float64{220, 110, 440} {
		for _, phase := range []float64{0, 1.1, 2.5} {
			dist, err := e.Infer(pitch.Frame{Samples: sineFrame(freq, phase)})
			if err != nil {
				t.Fatalf("%v Hz: %v", freq, err)
			}
			if s := dist.Sum(); math.Abs(s-1) > 1e-4 {
				t.Errorf("%v Hz: sum = %v", freq, s)
			}
			est := d.Decode(dist)
			cents := 1200 * math.Log2(est.FrequencyHz/freq)
			if math.Abs(cents) > 5 {
				t.Errorf("%v Hz phase %v: decoded %.3f Hz (%.2f cents off)", freq, phase, est.FrequencyHz, cents)
			}
			if est.Confidence < 0.9 {
				t.Errorf("%v Hz phase %v: confidence %.3f, want > 0.9", freq, phase, est.Confidence)
			}
		}
	}
}

func TestTemplate_EveryBinCentreAtAnyPhase(t *testing.T) {
	t.Parallel()
	w := crepe.Template(crepe.TemplateConfig{})
	e := newEngine(t, w)
	m := decode.MappingFrom(w.Metadata())
	d, err := decode.New(m)
	if err != nil {
		t.Fatal(err)
	}

	for b := range w.Metadata().Bins {
		freq := m.BinHz(b)
		for _, phase := range []float64{0, 0.785, 1.1, 2.5} {
			dist, err := e.Infer(pitch.Frame{Samples: sineFrame(freq, phase)})
			if err != nil {
				t.Fatalf("bin %d: %v", b, err)
			}
			est := d.Decode(dist)
			cents := 1200 * math.Log2(est.FrequencyHz/freq)
			if math.Abs(cents) > 5 {
				t.Errorf("bin %d (%.1f Hz) phase %v: decoded %.1f Hz (%.1f cents off)", b, freq, phase, est.FrequencyHz, cents)
			}
			if est.Confidence <= 0.9 {
				t.Errorf("bin %d (%.1f Hz) phase %v: confidence %.3f, want > 0.9", b, freq, phase, est.Confidence)
			}
		}
	}
}

func TestTemplate_OffCentreToneSnapsToNearestBin(t *testing.T) {
	t.Parallel()
	w := crepe.Template(crepe.TemplateConfig{})
	e := newEngine(t, w)
	m := decode.MappingFrom(w.Metadata())
	d, err := decode.New(m)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		bin    int
		offset float64
	}{
		{name: "low bin sharp", bin: 3, offset: 30},
		{name: "low bin flat", bin: 8, offset: -30},
		{name: "centre sharp", bin: 24, offset: 20},
		{name: "centre flat", bin: 24, offset: -30},
		{name: "high bin sharp", bin: 40, offset: 30},
		{name: "high bin flat", bin: 45, offset: -20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			centre := m.BinHz(tt.bin)
			freq := decode.CentsToHz(m.BinCents(tt.bin) + tt.offset)
			for _, phase := range []float64{0, 1.7} {
				dist, err := e.Infer(pitch.Frame{Samples: sineFrame(freq, phase)})
				if err != nil {
					t.Fatal(err)
				}
				est := d.Decode(dist)
				if cents := 1200 * math.Log2(est.FrequencyHz/centre); math.Abs(cents) > 5 {
					t.Errorf("phase %v: decoded %.1f Hz, want bin centre %.1f Hz (%.1f cents off)", phase, est.FrequencyHz, centre, cents)
				}
				if cents := 1200 * math.Log2(est.FrequencyHz/freq); math.Abs(cents) >= m.CentsPerBin/2 {
					t.Errorf("phase %v: %.1f cents from the tone, want under half a bin", phase, cents)
				}
			}
		})
	}
}

func TestTemplate_SilenceHasLowConfidence(t *testing.T) {
	t.Parallel()
	w := crepe.Template(crepe.TemplateConfig{})
	e := newEngine(t, w)
	d, err := decode.New(decode.MappingFrom(w.Metadata()))
	if err != nil {
		t.Fatal(err)
	}
	dist, err := e.Infer(pitch.Frame{Samples: make([]float32, pitch.FrameSize)})
	if err != nil {
		t.Fatal(err)
	}
	est := d.Decode(dist)
	if est.Confidence >= 0.5 {
		t.Fatalf("silence confidence = %v, want < 0.5", est.Confidence)
	}
	if est.Voiced(0.5) {
		t.Fatal("silence reported as voiced")
	}
}

func TestEngine_ConcurrentInfer(t *testing.T) {
	t.Parallel()
	e := newEngine(t, crepe.Template(crepe.TemplateConfig{Bins: 24}))
	frames := [][]float32{sineFrame(220, 0), sineFrame(260, 0.5), make([]float32, pitch.FrameSize)}
	want := make([][]float32, len(frames))
	for i, f := range frames {
		dist, err := e.Infer(pitch.Frame{Samples: f})
		if err != nil {
			t.Fatal(err)
		}
		want[i] = dist.Probabilities
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var mismatches int
	for range 8 {
		for i, f := range frames {
			wg.Go(func() {
				dist, err := e.Infer(pitch.Frame{Samples: f})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					mismatches++
					return
				}
				for j := range dist.Probabilities {
					if dist.Probabilities[j] != want[i][j] {
						mismatches++
						return
					}
				}
			})
		}
	}
	wg.Wait()
	if mismatches != 0 {
		t.Fatalf("%d concurrent inferences diverged", mismatches)
	}
}
