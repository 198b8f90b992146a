package weights

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/nn"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
)

// Format is the manifest format identifier written and accepted by this
// package.
const Format = "pitchoverlay-weights/v1"

// paramOrder fixes the blob layout written by [Save].
var paramOrder = []string{"kernel", "bias", "gamma", "beta", "moving_mean", "moving_variance"}

// allowedParams lists the parameter names each layer kind may carry.
var allowedParams = map[nn.Kind][]string{
	nn.KindConv1D:    {"kernel", "bias"},
	nn.KindDense:     {"kernel", "bias"},
	nn.KindBatchNorm: {"gamma", "beta", "moving_mean", "moving_variance"},
}

type manifest struct {
	Format     string      `yaml:"format"`
	Model      string      `yaml:"model"`
	Blob       string      `yaml:"blob"`
	SHA256     string      `yaml:"sha256,omitempty"`
	Metadata   Metadata    `yaml:"metadata"`
	InputShape []int       `yaml:"input_shape,flow"`
	Layers     []layerSpec `yaml:"layers"`
}

type layerSpec struct {
	Name    string               `yaml:"name"`
	Kind    string               `yaml:"kind"`
	Stride  int                  `yaml:"stride,omitempty"`
	Padding string               `yaml:"padding,omitempty"`
	Size    int                  `yaml:"size,omitempty"`
	Epsilon float32              `yaml:"epsilon,omitempty"`
	Params  map[string]paramSpec `yaml:"params,omitempty"`
}

type paramSpec struct {
	Shape  []int `yaml:"shape,flow"`
	Offset int   `yaml:"offset"`
}

// Load reads the manifest at path and the blob it names. A relative blob
// path is resolved against the manifest's directory. Every parse, checksum
// or layout problem is a [pitch.ConfigurationError].
func Load(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("weights: open manifest %q: %w", path, err)
	}
	defer f.Close()

	m, err := decodeManifest(f)
	if err != nil {
		return nil, fmt.Errorf("weights: load %q: %w", path, err)
	}
	blobPath := m.Blob
	if !filepath.IsAbs(blobPath) {
		blobPath = filepath.Join(filepath.Dir(path), blobPath)
	}
	blob, err := os.ReadFile(blobPath)
	if err != nil {
		return nil, fmt.Errorf("weights: read blob %q: %w", blobPath, err)
	}
	w, err := build(m, blob)
	if err != nil {
		return nil, fmt.Errorf("weights: load %q: %w", path, err)
	}
	return w, nil
}

// Parse decodes a manifest from r against an in-memory blob. The manifest's
// blob field is ignored.
func Parse(r io.Reader, blob []byte) (*Weights, error) {
	m, err := decodeManifest(r)
	if err != nil {
		return nil, err
	}
	return build(m, blob)
}

func decodeManifest(r io.Reader) (*manifest, error) {
	var m manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, pitch.Configf("weights", "decode manifest: %v", err)
	}
	if m.Format != Format {
		return nil, pitch.Configf("weights", "manifest format %q, want %q", m.Format, Format)
	}
	if len(m.Layers) == 0 {
		return nil, pitch.Configf("weights", "manifest has no layers")
	}
	return &m, nil
}

func build(m *manifest, blob []byte) (*Weights, error) {
	if m.SHA256 != "" {
		sum := sha256.Sum256(blob)
		if got := hex.EncodeToString(sum[:]); got != m.SHA256 {
			return nil, pitch.Configf("weights", "blob checksum %s does not match manifest %s", got, m.SHA256)
		}
	}
	if len(blob)%4 != 0 {
		return nil, pitch.Configf("weights", "blob length %d is not a multiple of 4", len(blob))
	}
	values := make([]float32, len(blob)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}

	input := tensor.Shape(m.InputShape)
	if !input.Valid() {
		return nil, pitch.Configf("weights", "invalid input_shape %v", m.InputShape)
	}
	meta := m.Metadata.WithDefaults()
	if input.Len() != meta.FrameSize {
		return nil, pitch.Configf("weights", "input_shape %v does not hold frame_size %d", input, meta.FrameSize)
	}

	layers := make([]nn.Layer, 0, len(m.Layers))
	for i, spec := range m.Layers {
		l, err := buildLayer(spec, values)
		if err != nil {
			return nil, pitch.Configf("weights", "layer %d (%q): %v", i, spec.Name, err)
		}
		layers = append(layers, l)
	}
	return New(m.Model, meta, input, layers), nil
}

func buildLayer(spec layerSpec, values []float32) (nn.Layer, error) {
	kind, err := nn.ParseKind(spec.Kind)
	if err != nil {
		return nn.Layer{}, err
	}
	l := nn.Layer{Kind: kind, Name: spec.Name, Stride: spec.Stride, Size: spec.Size, Epsilon: spec.Epsilon}

	switch {
	case spec.Padding != "":
		if l.Padding, err = nn.ParsePadding(spec.Padding); err != nil {
			return nn.Layer{}, err
		}
	case kind == nn.KindConv1D:
		l.Padding = nn.PaddingSame
	default:
		l.Padding = nn.PaddingValid
	}
	if kind == nn.KindBatchNorm && l.Epsilon == 0 {
		l.Epsilon = DefaultBatchNormEpsilon
	}

	allowed := allowedParams[kind]
	for name, p := range spec.Params {
		if !slices.Contains(allowed, name) {
			return nn.Layer{}, fmt.Errorf("%s layer has no parameter %q", kind, name)
		}
		shape := tensor.Shape(p.Shape)
		if !shape.Valid() {
			return nn.Layer{}, fmt.Errorf("%s has invalid shape %v", name, p.Shape)
		}
		if p.Offset < 0 || p.Offset > len(values) || shape.Len() > len(values)-p.Offset {
			return nn.Layer{}, fmt.Errorf("%s of %d values at offset %d exceeds blob of %d values", name, shape.Len(), p.Offset, len(values))
		}
		end := p.Offset + shape.Len()
		t, err := tensor.FromSlice(values[p.Offset:end:end], shape...)
		if err != nil {
			return nn.Layer{}, err
		}
		switch name {
		case "kernel":
			l.Kernel = t
		case "bias":
			l.Bias = t
		case "gamma":
			l.Gamma = t
		case "beta":
			l.Beta = t
		case "moving_mean":
			l.Mean = t
		case "moving_variance":
			l.Variance = t
		}
	}
	return l, nil
}

// Save writes w as dir/name.yaml plus dir/name.bin and returns the manifest
// path. The manifest records the blob's SHA-256.
func Save(dir, name string, w *Weights) (string, error) {
	var blob bytes.Buffer
	var offset int
	m := manifest{
		Format:     Format,
		Model:      w.Model(),
		Blob:       name + ".bin",
		Metadata:   w.Metadata(),
		InputShape: w.InputShape(),
	}
	word := make([]byte, 4)
	for _, l := range w.Layers() {
		spec := layerSpec{Name: l.Name, Kind: l.Kind.String(), Stride: l.Stride, Size: l.Size, Epsilon: l.Epsilon}
		if l.Kind == nn.KindConv1D || l.Kind == nn.KindMaxPool {
			spec.Padding = l.Padding.String()
		}
		params := l.Params()
		for _, pname := range paramOrder {
			t, ok := params[pname]
			if !ok {
				continue
			}
			if spec.Params == nil {
				spec.Params = map[string]paramSpec{}
			}
			spec.Params[pname] = paramSpec{Shape: t.Shape(), Offset: offset}
			for _, v := range t.Data() {
				binary.LittleEndian.PutUint32(word, math.Float32bits(v))
				blob.Write(word)
			}
			offset += t.Len()
		}
		m.Layers = append(m.Layers, spec)
	}
	sum := sha256.Sum256(blob.Bytes())
	m.SHA256 = hex.EncodeToString(sum[:])

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("weights: create %q: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, m.Blob), blob.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("weights: write blob: %w", err)
	}

	var out bytes.Buffer
	enc := yaml.NewEncoder(&out)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return "", fmt.Errorf("weights: encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("weights: encode manifest: %w", err)
	}
	path := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("weights: write manifest: %w", err)
	}
	return path, nil
}
