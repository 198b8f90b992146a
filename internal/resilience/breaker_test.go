package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	cfg.Now = clk.now
	return NewBreaker(cfg), clk
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", b.cfg.MaxFailures)
	}
	if b.cfg.CoolDown != 5*time.Second {
		t.Errorf("CoolDown = %v, want 5s", b.cfg.CoolDown)
	}
	if b.cfg.Probes != 3 {
		t.Errorf("Probes = %d, want 3", b.cfg.Probes)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})

	for range 3 {
		_ = b.Do(func() error { return errTest })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestBreaker_OnOpen(t *testing.T) {
	var opened []string
	b, clock := newTestBreaker(BreakerConfig{
		Name:        "estimator/onnx",
		MaxFailures: 1,
		Probes:      1,
		OnOpen:      func(name string) { opened = append(opened, name) },
	})

	_ = b.Do(func() error { return errTest })
	clock.advance(time.Hour)
	_ = b.Do(func() error { return errTest }) // failed probe reopens

	if len(opened) != 2 || opened[0] != "estimator/onnx" {
		t.Errorf("OnOpen calls = %v, want two for estimator/onnx", opened)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", b.State())
	}
}

func TestBreaker_HalfOpenCloses(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{MaxFailures: 1, CoolDown: time.Second, Probes: 2})
	_ = b.Do(func() error { return errTest })

	clk.advance(999 * time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("state = %v before cool-down, want open", b.State())
	}
	clk.advance(time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v after cool-down, want half-open", b.State())
	}

	for i := range 2 {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after successful probes, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{MaxFailures: 1, CoolDown: time.Second})
	_ = b.Do(func() error { return errTest })
	clk.advance(time.Second)

	if err := b.Do(func() error { return errTest }); !errors.Is(err, errTest) {
		t.Fatalf("probe err = %v, want errTest", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.State())
	}
}

func TestBreaker_ProbeLimit(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{MaxFailures: 1, CoolDown: time.Second, Probes: 1})
	_ = b.Do(func() error { return errTest })
	clk.advance(time.Second)

	// The single probe is in flight when a second call arrives.
	var inner error
	_ = b.Do(func() error {
		inner = b.Do(func() error { return nil })
		return nil
	})
	if !errors.Is(inner, ErrCircuitOpen) {
		t.Errorf("concurrent probe err = %v, want ErrCircuitOpen", inner)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CountsFilter(t *testing.T) {
	ignored := errors.New("ignored")
	b, _ := newTestBreaker(BreakerConfig{
		MaxFailures: 1,
		Counts:      func(err error) bool { return !errors.Is(err, ignored) },
	})
	for range 5 {
		if err := b.Do(func() error { return ignored }); !errors.Is(err, ignored) {
			t.Fatalf("err = %v, want the fn error", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed for ignored errors", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1})
	_ = b.Do(func() error { return errTest })
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v after Reset, want closed", b.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(9), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
