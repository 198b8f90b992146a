package capture

import "testing"

func TestMatchDevice(t *testing.T) {
	names := []string{"Built-in Microphone", "USB Audio CODEC", "usb"}
	tests := []struct {
		want string
		idx  int
	}{
		{want: "usb", idx: 2},
		{want: "USB", idx: 1},
		{want: "built-in", idx: 0},
		{want: "codec", idx: 1},
		{want: "bluetooth", idx: -1},
	}
	for _, tt := range tests {
		if got := matchDevice(names, tt.want); got != tt.idx {
			t.Errorf("matchDevice(%q) = %d, want %d", tt.want, got, tt.idx)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	d := New(Config{})
	f := d.Format()
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("Format() = %v, want 16000Hz/1ch", f)
	}
	if d.cfg.PeriodFrames != 2048 {
		t.Errorf("PeriodFrames = %d, want 2048", d.cfg.PeriodFrames)
	}
	if d.Running() {
		t.Error("new device should not be running")
	}
	if err := d.Stop(); err != nil {
		t.Errorf("Stop on unstarted device: %v", err)
	}
}

func TestDeviceInfo_String(t *testing.T) {
	d := DeviceInfo{Index: 2, Name: "Mic", IsDefault: true}
	if got := d.String(); got != "2: Mic [default]" {
		t.Errorf("String() = %q", got)
	}
}
