package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/pitchoverlay/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.HasChanges() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level should hot-reload, got restart %v", d.RestartRequired)
	}
}

func TestDiff_DisplayChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Display.TargetRange = [2]float64{100, 150}
	new.Display.StepsPerDisplay = 5

	d := config.Diff(old, new)
	if !d.DisplayChanged {
		t.Fatal("expected DisplayChanged=true")
	}
	if d.NewDisplay.StepsPerDisplay != 5 || d.NewDisplay.TargetRange != [2]float64{100, 150} {
		t.Errorf("NewDisplay = %+v", d.NewDisplay)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("display settings should hot-reload, got restart %v", d.RestartRequired)
	}
}

func TestDiff_StreamSettingsNeedRestart(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Display.Encoding = "msgpack"

	d := config.Diff(old, new)
	if d.DisplayChanged {
		t.Error("encoding alone should not count as a display change")
	}
	if !slices.Contains(d.RestartRequired, "display.stream") {
		t.Errorf("RestartRequired = %v, want display.stream", d.RestartRequired)
	}
}

func TestDiff_RestartSections(t *testing.T) {
	t.Parallel()
	on := true
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server.listen_addr"},
		{"audio", func(c *config.Config) { c.Audio.SampleRate = 48000 }, "audio"},
		{"tone", func(c *config.Config) { c.Audio.Tone.FrequencyHz = 330 }, "audio"},
		{"model", func(c *config.Config) { c.Model.Backend = config.BackendONNX }, "model"},
		{"pipeline", func(c *config.Config) { c.Pipeline.HopSize = 320 }, "pipeline"},
		{"observe", func(c *config.Config) { c.Observe.ServiceName = "other" }, "observe"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tc.want) {
				t.Errorf("RestartRequired = %v, want %s", d.RestartRequired, tc.want)
			}
			if d.DisplayChanged || d.LogLevelChanged {
				t.Errorf("unexpected hot changes: %+v", d)
			}
		})
	}

	// An explicit true matches the nil default.
	old := config.Default()
	new := config.Default()
	new.Pipeline.Center = &on
	new.Observe.Metrics = &on
	if d := config.Diff(old, new); d.HasChanges() {
		t.Errorf("explicit defaults reported as changes: %+v", d)
	}
}
