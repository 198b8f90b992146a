package weights_test

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/nn"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

func smallWeights(t *testing.T) *weights.Weights {
	t.Helper()
	kernel := tensor.New(4, 1, 2)
	for i := range kernel.Data() {
		kernel.Data()[i] = float32(i) * 0.25
	}
	bias, _ := tensor.FromSlice([]float32{0.5, -0.5}, 2)
	ones, _ := tensor.FromSlice([]float32{1, 1}, 2)
	zeros := tensor.New(2)
	dk := tensor.New(8, 3)
	for i := range dk.Data() {
		dk.Data()[i] = float32(i%5) - 2
	}
	meta := weights.Metadata{FrameSize: 16, Bins: 3, CentsPerBin: 100}
	return weights.New("unit", meta, tensor.Shape{16, 1}, []nn.Layer{
		nn.Conv1D("conv", kernel, bias, 2, nn.PaddingSame),
		nn.Activation("relu", nn.KindReLU),
		nn.BatchNorm("bn", ones, zeros, zeros, ones, 0.001),
		nn.MaxPool("pool", 2, 2, nn.PaddingValid),
		nn.Dense("dense", dk, nil),
		nn.Activation("softmax", nn.KindSoftmax),
	})
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	want := smallWeights(t)

	path, err := weights.Save(dir, "unit", want)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "unit.yaml" {
		t.Errorf("manifest path = %q", path)
	}
	got, err := weights.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.Model() != "unit" {
		t.Errorf("Model = %q", got.Model())
	}
	if got.Metadata() != want.Metadata() {
		t.Errorf("Metadata = %+v, want %+v", got.Metadata(), want.Metadata())
	}
	if !got.InputShape().Equal(want.InputShape()) {
		t.Errorf("InputShape = %v", got.InputShape())
	}
	if got.ParamCount() != want.ParamCount() {
		t.Errorf("ParamCount = %d, want %d", got.ParamCount(), want.ParamCount())
	}

	gl, wl := got.Layers(), want.Layers()
	if len(gl) != len(wl) {
		t.Fatalf("layers = %d, want %d", len(gl), len(wl))
	}
	for i := range wl {
		if gl[i].Kind != wl[i].Kind || gl[i].Name != wl[i].Name || gl[i].Stride != wl[i].Stride ||
			gl[i].Padding != wl[i].Padding || gl[i].Size != wl[i].Size || gl[i].Epsilon != wl[i].Epsilon {
			t.Errorf("layer %d = %+v, want %+v", i, gl[i], wl[i])
		}
		for name, wt := range wl[i].Params() {
			gt, ok := gl[i].Params()[name]
			if !ok {
				t.Fatalf("layer %d lost param %s", i, name)
			}
			if !gt.Shape().Equal(wt.Shape()) {
				t.Errorf("layer %d %s shape = %v, want %v", i, name, gt.Shape(), wt.Shape())
			}
			for j, v := range wt.Data() {
				if gt.Data()[j] != v {
					t.Fatalf("layer %d %s[%d] = %v, want %v", i, name, j, gt.Data()[j], v)
				}
			}
		}
	}
}

func TestLoad_ChecksumMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path, err := weights.Save(dir, "unit", smallWeights(t))
	if err != nil {
		t.Fatal(err)
	}
	blob := filepath.Join(dir, "unit.bin")
	data, err := os.ReadFile(blob)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xff
	if err := os.WriteFile(blob, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = weights.Load(path)
	if !errors.Is(err, pitch.ErrConfiguration) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if !strings.Contains(err.Error(), "checksum") {
		t.Errorf("err = %v, want checksum mention", err)
	}
}

func TestLoad_MissingBlob(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path, err := weights.Save(dir, "unit", smallWeights(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "unit.bin")); err != nil {
		t.Fatal(err)
	}
	if _, err := weights.Load(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

// blob returns n little-endian float32 values 1, 2, 3, ...
func blob(n int) []byte {
	out := make([]byte, 0, 4*n)
	for i := 1; i <= n; i++ {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(i)))
	}
	return out
}

const minimalManifest = `
format: pitchoverlay-weights/v1
model: tiny-dense
metadata:
  frame_size: 2
  bins: 2
input_shape: [2]
layers:
  - name: dense
    kind: dense
    params:
      kernel: {shape: [2, 2], offset: 0}
      bias: {shape: [2], offset: 4}
  - name: softmax
    kind: softmax
`

func TestParse_Defaults(t *testing.T) {
	t.Parallel()
	w, err := weights.Parse(strings.NewReader(minimalManifest), blob(6))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	meta := w.Metadata()
	if meta.CentsOffset != weights.DefaultCentsOffset || meta.CentsPerBin != weights.DefaultCentsPerBin {
		t.Errorf("bin mapping defaults not applied: %+v", meta)
	}
	if meta.SampleRate != pitch.SampleRate || meta.NormalizationEpsilon != weights.DefaultNormalizationEpsilon {
		t.Errorf("metadata defaults not applied: %+v", meta)
	}
	if meta.FrameSize != 2 || meta.Bins != 2 {
		t.Errorf("explicit metadata overwritten: %+v", meta)
	}
	dense := w.Layers()[0]
	if got := dense.Bias.Data(); got[0] != 5 || got[1] != 6 {
		t.Errorf("bias = %v, want [5 6]", got)
	}
}

func TestParse_LayerDefaults(t *testing.T) {
	t.Parallel()
	manifest := `
format: pitchoverlay-weights/v1
model: defaults
metadata: {frame_size: 4}
input_shape: [4, 1]
layers:
  - name: conv
    kind: conv1d
    stride: 1
    params:
      kernel: {shape: [2, 1, 1], offset: 0}
  - name: bn
    kind: batchnorm
    params:
      gamma: {shape: [1], offset: 0}
      beta: {shape: [1], offset: 0}
      moving_mean: {shape: [1], offset: 0}
      moving_variance: {shape: [1], offset: 0}
  - name: pool
    kind: maxpool
    size: 2
`
	w, err := weights.Parse(strings.NewReader(manifest), blob(2))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	layers := w.Layers()
	if layers[0].Padding != nn.PaddingSame {
		t.Errorf("conv padding = %v, want same", layers[0].Padding)
	}
	if layers[1].Epsilon != weights.DefaultBatchNormEpsilon {
		t.Errorf("bn epsilon = %v, want %v", layers[1].Epsilon, weights.DefaultBatchNormEpsilon)
	}
	if layers[2].Padding != nn.PaddingValid {
		t.Errorf("pool padding = %v, want valid", layers[2].Padding)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		manifest string
		blob     []byte
	}{
		{
			name:     "wrong format",
			manifest: strings.Replace(minimalManifest, "pitchoverlay-weights/v1", "keras/h5", 1),
			blob:     blob(6),
		},
		{
			name:     "unknown key",
			manifest: minimalManifest + "extra: true\n",
			blob:     blob(6),
		},
		{
			name:     "blob too short",
			manifest: minimalManifest,
			blob:     blob(5),
		},
		{
			name:     "blob not aligned",
			manifest: minimalManifest,
			blob:     append(blob(6), 0),
		},
		{
			name:     "unknown parameter",
			manifest: strings.Replace(minimalManifest, "bias: {", "gamma: {", 1),
			blob:     blob(6),
		},
		{
			name:     "unknown kind",
			manifest: strings.Replace(minimalManifest, "kind: softmax", "kind: lstm", 1),
			blob:     blob(6),
		},
		{
			name:     "input does not hold frame",
			manifest: strings.Replace(minimalManifest, "frame_size: 2", "frame_size: 1024", 1),
			blob:     blob(6),
		},
		{
			name:     "offset overflows",
			manifest: strings.Replace(minimalManifest, "offset: 4}", "offset: 9223372036854775807}", 1),
			blob:     blob(6),
		},
		{
			name:     "negative offset",
			manifest: strings.Replace(minimalManifest, "offset: 4}", "offset: -1}", 1),
			blob:     blob(6),
		},
		{
			name:     "element count overflows",
			manifest: strings.Replace(minimalManifest, "shape: [2, 2]", "shape: [4611686018427387904, 4]", 1),
			blob:     blob(6),
		},
		{
			name:     "checksum",
			manifest: minimalManifest + "sha256: deadbeef\n",
			blob:     blob(6),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := weights.Parse(strings.NewReader(tt.manifest), tt.blob)
			if !errors.Is(err, pitch.ErrConfiguration) {
				t.Fatalf("err = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestNew_Immutable(t *testing.T) {
	t.Parallel()
	w := smallWeights(t)
	layers := w.Layers()
	layers[0].Name = "renamed"
	shape := w.InputShape()
	shape[0] = 99
	if w.Layers()[0].Name != "conv" || w.InputShape()[0] != 16 {
		t.Fatal("accessors leaked internal state")
	}
}
