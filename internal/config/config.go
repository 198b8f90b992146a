// Package config provides the configuration schema, loader, hot-reload
// watcher and backend registry for pitchoverlay.
package config

import "log/slog"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Backend selects the inference implementation.
type Backend string

const (
	// BackendNative runs the layer stack in pure Go from a weights manifest.
	BackendNative Backend = "native"

	// BackendONNX runs an ONNX model through ONNX Runtime.
	BackendONNX Backend = "onnx"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool { return b == BackendNative || b == BackendONNX }

// SourceKind selects where audio comes from.
type SourceKind string

const (
	// SourceDevice captures from a system input device.
	SourceDevice SourceKind = "device"

	// SourceTone synthesises a sine wave.
	SourceTone SourceKind = "tone"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool { return k == SourceDevice || k == SourceTone }

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Model    ModelConfig    `yaml:"model"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Display  DisplayConfig  `yaml:"display"`
	Observe  ObserveConfig  `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (e.g., ":8091").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects and shapes the capture stream.
type AudioConfig struct {
	// Source selects the audio source implementation.
	Source SourceKind `yaml:"source"`

	// Device is a case-insensitive substring of the capture device name.
	// Empty selects the system default.
	Device string `yaml:"device"`

	// SampleRate is the capture rate in Hz. Must be at least 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the device channel count. Chunks are downmixed to mono.
	Channels int `yaml:"channels"`

	// PeriodFrames is the number of frames per driver callback.
	PeriodFrames int `yaml:"period_frames"`

	// RingSeconds sizes the capture ring buffer.
	RingSeconds float64 `yaml:"ring_seconds"`

	// Resampler selects the filter quality: low, medium or high.
	Resampler string `yaml:"resampler"`

	// Tone configures the synthetic source.
	Tone ToneConfig `yaml:"tone"`
}

// ToneConfig configures the synthetic sine source.
type ToneConfig struct {
	FrequencyHz float64 `yaml:"frequency_hz"`
	Amplitude   float64 `yaml:"amplitude"`
}

// ModelConfig selects the inference backend and its artefacts.
type ModelConfig struct {
	// Backend is native or onnx.
	Backend Backend `yaml:"backend"`

	// Fallback is an optional second backend. When set, frames the primary
	// fails to infer are retried on it and a circuit breaker keeps a broken
	// primary out of the hot path.
	Fallback Backend `yaml:"fallback"`

	// Manifest is the native weights manifest. Relative paths that do not
	// exist in the working directory are resolved next to the executable.
	Manifest string `yaml:"manifest"`

	// ONNXPath is the ONNX model file, resolved like Manifest.
	ONNXPath string `yaml:"onnx_path"`

	// ONNXInput and ONNXOutput name the model's tensors.
	ONNXInput  string `yaml:"onnx_input"`
	ONNXOutput string `yaml:"onnx_output"`

	// ORTLibrary is an explicit ONNX Runtime shared library path.
	ORTLibrary string `yaml:"ort_library"`

	// Workers sets intra-layer parallelism of the native backend.
	Workers int `yaml:"workers"`
}

// PipelineConfig holds framing and decoding settings.
type PipelineConfig struct {
	// HopSize is the stride between frames at 16 kHz.
	HopSize int `yaml:"hop_size"`

	// Center pads the stream so frame n is centred on sample n*HopSize.
	// Nil means true.
	Center *bool `yaml:"center"`

	// OutputBuffer is the capacity of the estimate channel.
	OutputBuffer int `yaml:"output_buffer"`

	// DecodeRadius is the half-width in bins of the decoder's average.
	DecodeRadius int `yaml:"decode_radius"`
}

// CenterEnabled reports the effective Center setting.
func (p PipelineConfig) CenterEnabled() bool { return p.Center == nil || *p.Center }

// DisplayConfig holds the hot-reloadable display settings.
type DisplayConfig struct {
	StepsPerDisplay     int        `yaml:"steps_per_display"`
	ConfidenceThreshold float64    `yaml:"confidence_threshold"`
	DisplayRange        [2]float64 `yaml:"display_range,flow"`
	TargetRange         [2]float64 `yaml:"target_range,flow"`
	TargetColor         string     `yaml:"target_color"`
	LabelColor          string     `yaml:"label_color"`

	// Encoding is the default stream encoding: json or msgpack.
	Encoding string `yaml:"encoding"`

	// ClientBuffer is the per-client stream queue length.
	ClientBuffer int `yaml:"client_buffer"`
}

// ObserveConfig controls telemetry.
type ObserveConfig struct {
	// ServiceName is the OpenTelemetry service name.
	ServiceName string `yaml:"service_name"`

	// Metrics enables the Prometheus /metrics endpoint. Nil means true.
	Metrics *bool `yaml:"metrics"`
}

// MetricsEnabled reports the effective Metrics setting.
func (o ObserveConfig) MetricsEnabled() bool { return o.Metrics == nil || *o.Metrics }
