package app

import (
	"fmt"

	"github.com/MrWong99/pitchoverlay/internal/config"
	"github.com/MrWong99/pitchoverlay/pkg/audio"
	"github.com/MrWong99/pitchoverlay/pkg/audio/capture"
	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/crepe"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/onnx"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

// DefaultRegistry returns a registry with every built-in backend and source.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterEstimator(config.BackendNative, newNativeEstimator)
	reg.RegisterEstimator(config.BackendONNX, newONNXEstimator)
	reg.RegisterSource(config.SourceDevice, newDeviceSource)
	reg.RegisterSource(config.SourceTone, newToneSource)
	return reg
}

func newNativeEstimator(cfg config.ModelConfig) (pitch.Estimator, error) {
	path := config.ResolvePath(cfg.Manifest)
	w, err := weights.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load weights %q: %w", path, err)
	}
	return crepe.NewEngine(w, crepe.WithWorkers(cfg.Workers))
}

func newONNXEstimator(cfg config.ModelConfig) (pitch.Estimator, error) {
	return onnx.New(onnx.Config{
		ModelPath:  config.ResolvePath(cfg.ONNXPath),
		InputName:  cfg.ONNXInput,
		OutputName: cfg.ONNXOutput,
		Library:    cfg.ORTLibrary,
	})
}

func newDeviceSource(cfg config.AudioConfig) (audio.Source, error) {
	return capture.New(capture.Config{
		Device:       cfg.Device,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		PeriodFrames: cfg.PeriodFrames,
	}), nil
}

func newToneSource(cfg config.AudioConfig) (audio.Source, error) {
	// Deliver the tone in 10 ms periods so frames are cut at the hop cadence.
	return audio.NewTone(cfg.Tone.FrequencyHz, cfg.Tone.Amplitude, cfg.SampleRate, cfg.SampleRate/100), nil
}
