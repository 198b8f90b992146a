package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8091"
	DefaultSampleRate   = 16000
	DefaultPeriodFrames = 2048
	DefaultRingSeconds  = 2.0
	DefaultManifest     = "crepe-tiny.yaml"
	DefaultONNXPath     = "crepe-full.onnx"
	DefaultHopSize      = 160
	DefaultOutputBuffer = 256
	DefaultDecodeRadius = 4
	DefaultClientBuffer = 64
	DefaultServiceName  = "pitchoverlay"
)

// ResamplerQualities lists the accepted audio.resampler values.
var ResamplerQualities = []string{"low", "medium", "high"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Source == "" {
		a.Source = SourceDevice
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.PeriodFrames == 0 {
		a.PeriodFrames = DefaultPeriodFrames
	}
	if a.RingSeconds == 0 {
		a.RingSeconds = DefaultRingSeconds
	}
	if a.Resampler == "" {
		a.Resampler = "high"
	}
	if a.Tone.FrequencyHz == 0 {
		a.Tone.FrequencyHz = 220
	}
	if a.Tone.Amplitude == 0 {
		a.Tone.Amplitude = 0.5
	}

	m := &cfg.Model
	if m.Backend == "" {
		m.Backend = BackendNative
	}
	if m.Manifest == "" {
		m.Manifest = DefaultManifest
	}
	if m.ONNXPath == "" {
		m.ONNXPath = DefaultONNXPath
	}
	if m.ONNXInput == "" {
		m.ONNXInput = "input"
	}
	if m.ONNXOutput == "" {
		m.ONNXOutput = "output_0"
	}
	if m.Workers == 0 {
		m.Workers = 1
	}

	p := &cfg.Pipeline
	if p.HopSize == 0 {
		p.HopSize = DefaultHopSize
	}
	if p.OutputBuffer == 0 {
		p.OutputBuffer = DefaultOutputBuffer
	}
	if p.DecodeRadius == 0 {
		p.DecodeRadius = DefaultDecodeRadius
	}

	d := &cfg.Display
	if d.StepsPerDisplay == 0 {
		d.StepsPerDisplay = 2
	}
	if d.ConfidenceThreshold == 0 {
		d.ConfidenceThreshold = 0.5
	}
	if d.DisplayRange == [2]float64{} {
		d.DisplayRange = [2]float64{50, 500}
	}
	if d.TargetRange == [2]float64{} {
		d.TargetRange = [2]float64{185, 300}
	}
	if d.TargetColor == "" {
		d.TargetColor = "#90ee90"
	}
	if d.LabelColor == "" {
		d.LabelColor = "#ffffff"
	}
	if d.Encoding == "" {
		d.Encoding = "json"
	}
	if d.ClientBuffer == 0 {
		d.ClientBuffer = DefaultClientBuffer
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if !a.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: device, tone", a.Source))
	}
	if a.SampleRate < 16000 || a.SampleRate > 768000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [16000, 768000]", a.SampleRate))
	}
	if a.Channels < 1 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", a.Channels))
	}
	if a.PeriodFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.period_frames %d must not be negative", a.PeriodFrames))
	}
	if a.RingSeconds <= 0 {
		errs = append(errs, fmt.Errorf("audio.ring_seconds %v must be positive", a.RingSeconds))
	}
	if !slices.Contains(ResamplerQualities, a.Resampler) {
		errs = append(errs, fmt.Errorf("audio.resampler %q is invalid; valid values: low, medium, high", a.Resampler))
	}
	if a.Tone.FrequencyHz < 0 || a.Tone.FrequencyHz >= float64(a.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("audio.tone.frequency_hz %v must be below the Nyquist frequency", a.Tone.FrequencyHz))
	}
	if a.Tone.Amplitude < 0 || a.Tone.Amplitude > 1 {
		errs = append(errs, fmt.Errorf("audio.tone.amplitude %v is out of range [0, 1]", a.Tone.Amplitude))
	}

	// Model
	m := cfg.Model
	if !m.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("model.backend %q is invalid; valid values: native, onnx", m.Backend))
	}
	if m.Workers < 1 {
		errs = append(errs, fmt.Errorf("model.workers %d must be positive", m.Workers))
	}
	switch {
	case m.Fallback == "":
	case !m.Fallback.IsValid():
		errs = append(errs, fmt.Errorf("model.fallback %q is invalid; valid values: native, onnx", m.Fallback))
	case m.Fallback == m.Backend:
		errs = append(errs, fmt.Errorf("model.fallback %q must differ from model.backend", m.Fallback))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.HopSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.hop_size %d must be positive", p.HopSize))
	}
	if p.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("pipeline.output_buffer %d must not be negative", p.OutputBuffer))
	}
	if p.DecodeRadius < 0 {
		errs = append(errs, fmt.Errorf("pipeline.decode_radius %d must not be negative", p.DecodeRadius))
	}

	// Display
	d := cfg.Display
	if d.StepsPerDisplay < 1 {
		errs = append(errs, fmt.Errorf("display.steps_per_display %d must be positive", d.StepsPerDisplay))
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("display.confidence_threshold %v is out of range [0, 1]", d.ConfidenceThreshold))
	}
	if d.DisplayRange[0] < 0 || d.DisplayRange[1] < 0 {
		errs = append(errs, fmt.Errorf("display.display_range %v must not be negative", d.DisplayRange))
	}
	if d.TargetRange[0] < 0 || d.TargetRange[1] < 0 {
		errs = append(errs, fmt.Errorf("display.target_range %v must not be negative", d.TargetRange))
	}
	if d.Encoding != "json" && d.Encoding != "msgpack" {
		errs = append(errs, fmt.Errorf("display.encoding %q is invalid; valid values: json, msgpack", d.Encoding))
	}
	if d.ClientBuffer < 1 {
		errs = append(errs, fmt.Errorf("display.client_buffer %d must be positive", d.ClientBuffer))
	}

	return errors.Join(errs...)
}

// ResolvePath returns path unchanged when it is absolute or exists relative
// to the working directory. Otherwise it returns path joined to the
// directory of the running executable, where bundled models live.
func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Join(filepath.Dir(exe), path)
}
