// Package capture provides an [audio.Source] backed by the system's capture
// devices through miniaudio (github.com/gen2brain/malgo).
//
// The device callback converts int16 PCM to mono float32 and hands it to the
// consumer callback synchronously. No allocation or locking happens on that
// path beyond the converter's reusable buffer.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/pitchoverlay/pkg/audio"
)

// ErrDeviceNotFound is returned when no capture device matches the requested
// name.
var ErrDeviceNotFound = errors.New("capture: device not found")

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	Index     int
	Name      string
	IsDefault bool
}

// String returns a human-readable representation of the device.
func (d DeviceInfo) String() string {
	if d.IsDefault {
		return fmt.Sprintf("%d: %s [default]", d.Index, d.Name)
	}
	return fmt.Sprintf("%d: %s", d.Index, d.Name)
}

// Devices enumerates the available capture devices.
func Devices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		out = append(out, DeviceInfo{
			Index:     i,
			Name:      info.Name(),
			IsDefault: info.IsDefault > 0,
		})
	}
	return out, nil
}

// Config selects and shapes the capture stream.
type Config struct {
	// Device is a case-insensitive substring of the device name. Empty selects
	// the system default.
	Device string

	SampleRate   int
	Channels     int
	PeriodFrames int
}

// Device is a malgo-backed [audio.Source].
type Device struct {
	cfg Config

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running bool
	name    string

	callbacks atomic.Uint64
	conv      *audio.MonoConverter
}

var _ audio.Source = (*Device)(nil)

// New returns an unstarted capture source. Zero-valued fields default to
// 16 kHz mono with 2048-frame periods.
func New(cfg Config) *Device {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.TargetRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.PeriodFrames <= 0 {
		cfg.PeriodFrames = 2048
	}
	return &Device{cfg: cfg}
}

// Format implements [audio.Source].
func (d *Device) Format() audio.Format {
	return audio.Format{SampleRate: d.cfg.SampleRate, Channels: d.cfg.Channels}
}

// Name returns the name of the opened device, or "" before Start.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Callbacks returns how many data callbacks the driver has delivered.
func (d *Device) Callbacks() uint64 { return d.callbacks.Load() }

// TruncatedBuffers returns how many callback buffers of the current or last
// stream ended in a partial frame.
func (d *Device) TruncatedBuffers() uint64 {
	d.mu.Lock()
	conv := d.conv
	d.mu.Unlock()
	if conv == nil {
		return 0
	}
	n, _ := conv.Truncated()
	return n
}

// Running reports whether the device is capturing.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start implements [audio.Source].
func (d *Device) Start(onChunk func(audio.Chunk)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("capture: device already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("capture: init context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(d.cfg.Channels)
	deviceConfig.SampleRate = uint32(d.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(d.cfg.PeriodFrames)

	name := "default"
	if d.cfg.Device != "" {
		info, err := findDevice(mctx, d.cfg.Device)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return err
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
		name = info.Name()
	}

	conv := &audio.MonoConverter{Channels: d.cfg.Channels}
	rate := d.cfg.SampleRate
	var captured int64

	var callbacks malgo.DeviceCallbacks
	callbacks.Data = func(_, pInputSamples []byte, _ uint32) {
		samples := conv.Convert(pInputSamples)
		d.callbacks.Add(1)
		onChunk(audio.Chunk{
			Samples:    samples,
			SampleRate: rate,
			Timestamp:  time.Duration(captured) * time.Second / time.Duration(rate),
		})
		captured += int64(len(samples))
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("capture: init device %q: %w", name, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("capture: start device %q: %w", name, err)
	}

	d.ctx = mctx
	d.device = device
	d.name = name
	d.conv = conv
	d.running = true
	slog.Info("capture started",
		"device", name,
		"format", d.Format().String(),
		"period_frames", d.cfg.PeriodFrames,
	)
	if d.cfg.Channels > 1 {
		slog.Info("capture downmixing to mono", "device", name, "channels", d.cfg.Channels)
	}
	return nil
}

// Stop implements [audio.Source].
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false

	var errs []error
	if err := d.device.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("capture: stop device: %w", err))
	}
	d.device.Uninit()
	if err := d.ctx.Uninit(); err != nil {
		errs = append(errs, fmt.Errorf("capture: uninit context: %w", err))
	}
	d.ctx.Free()
	d.device, d.ctx = nil, nil
	slog.Info("capture stopped", "device", d.name, "callbacks", d.callbacks.Load())
	if buffers, bytes := d.conv.Truncated(); buffers > 0 {
		slog.Warn("capture dropped partial PCM frames",
			"device", d.name,
			"buffers", buffers,
			"bytes", bytes,
		)
	}
	return errors.Join(errs...)
}

func findDevice(mctx *malgo.AllocatedContext, want string) (malgo.DeviceInfo, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	idx := matchDevice(deviceNames(infos), want)
	if idx < 0 {
		return malgo.DeviceInfo{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, want)
	}
	return infos[idx], nil
}

func deviceNames(infos []malgo.DeviceInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names
}

// matchDevice returns the index of the first name equal to want, falling back
// to the first case-insensitive substring match, or -1.
func matchDevice(names []string, want string) int {
	for i, n := range names {
		if n == want {
			return i
		}
	}
	lw := strings.ToLower(want)
	for i, n := range names {
		if strings.Contains(strings.ToLower(n), lw) {
			return i
		}
	}
	return -1
}
