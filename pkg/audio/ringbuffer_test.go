package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pitchoverlay/pkg/audio"
)

func seq(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func TestRing_PushPullPreservesOrder(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 7, 64, 100} {
		r := audio.NewRing(100)
		in := seq(0, n)
		if dropped := r.Push(in); dropped != 0 {
			t.Fatalf("n=%d: dropped = %d, want 0", n, dropped)
		}
		got, ok := r.Pull(n)
		if !ok {
			t.Fatalf("n=%d: Pull reported insufficient data", n)
		}
		for i := range in {
			if got[i] != in[i] {
				t.Fatalf("n=%d: sample %d = %v, want %v", n, i, got[i], in[i])
			}
		}
		if r.Len() != 0 {
			t.Errorf("n=%d: Len after pull = %d, want 0", n, r.Len())
		}
	}
}

func TestRing_PullInsufficient(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(16)
	r.Push(seq(0, 5))
	if got, ok := r.Pull(6); ok || got != nil {
		t.Fatalf("Pull(6) = %v, %v; want nil, false", got, ok)
	}
	if r.Len() != 5 {
		t.Errorf("failed Pull consumed data: Len = %d, want 5", r.Len())
	}
}

func TestRing_WrapAround(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(8)
	next := 0
	want := 0
	for range 20 {
		r.Push(seq(next, 5))
		next += 5
		got, ok := r.Pull(5)
		if !ok {
			t.Fatal("Pull(5) failed")
		}
		for _, v := range got {
			if v != float32(want) {
				t.Fatalf("got %v, want %v", v, want)
			}
			want++
		}
	}
	if r.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", r.Dropped())
	}
}

func TestRing_OverflowDropsOldest(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(10)
	r.Push(seq(0, 8))
	dropped := r.Push(seq(8, 5)) // 13 total, capacity 10
	if dropped != 3 {
		t.Fatalf("dropped = %d, want 3", dropped)
	}
	if r.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", r.Dropped())
	}
	if r.Overruns() != 1 {
		t.Errorf("Overruns() = %d, want 1", r.Overruns())
	}
	got, ok := r.Pull(10)
	if !ok {
		t.Fatal("Pull(10) failed")
	}
	for i, v := range got {
		if v != float32(3+i) {
			t.Fatalf("sample %d = %v, want %v", i, v, 3+i)
		}
	}
}

func TestRing_OversizedPushKeepsNewest(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(4)
	r.Push(seq(0, 2))
	dropped := r.Push(seq(100, 7))
	// 2 old samples plus the first 3 of the push are lost.
	if dropped != 5 {
		t.Fatalf("dropped = %d, want 5", dropped)
	}
	got, _ := r.Pull(4)
	want := []float32{103, 104, 105, 106}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRing_DropCounterExact(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(32)
	var total int
	pushed := 0
	for i := range 50 {
		n := i%9 + 1
		total += r.Push(seq(pushed, n))
		pushed += n
	}
	if uint64(total) != r.Dropped() {
		t.Fatalf("sum of returned drops %d != Dropped() %d", total, r.Dropped())
	}
	if want := pushed - r.Cap(); total != want {
		t.Fatalf("dropped %d, want %d", total, want)
	}
	if r.Len() != r.Cap() {
		t.Errorf("Len = %d, want full ring %d", r.Len(), r.Cap())
	}
}

func TestRing_PushNeverBlocks(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		chunk := seq(0, 48)
		for range 10000 {
			r.Push(chunk)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer stalled on a full ring with no consumer")
	}
	if r.Dropped() == 0 {
		t.Error("expected drops with no consumer")
	}
}

func TestRing_Drain(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(16)
	r.Push(seq(0, 6))
	dst := make([]float32, 4)
	if n := r.Drain(dst); n != 4 {
		t.Fatalf("Drain = %d, want 4", n)
	}
	if n := r.Drain(dst); n != 2 {
		t.Fatalf("second Drain = %d, want 2", n)
	}
	if dst[0] != 4 || dst[1] != 5 {
		t.Errorf("second Drain values = %v, want [4 5 ...]", dst[:2])
	}
}

func TestRing_Notify(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(16)
	r.Push(seq(0, 1))
	r.Push(seq(1, 1))
	select {
	case <-r.Notify():
	default:
		t.Fatal("expected notification after Push")
	}
	select {
	case <-r.Notify():
		t.Fatal("notifications should coalesce")
	default:
	}
}

func TestRing_ConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()
	const total = 20000
	r := audio.NewRing(total) // large enough that nothing is dropped

	var wg sync.WaitGroup
	wg.Go(func() {
		for i := 0; i < total; i += 100 {
			r.Push(seq(i, 100))
		}
	})

	got := make([]float32, 0, total)
	buf := make([]float32, 256)
	deadline := time.After(5 * time.Second)
	for len(got) < total {
		n := r.Drain(buf)
		got = append(got, buf[:n]...)
		if n == 0 {
			select {
			case <-r.Notify():
			case <-deadline:
				t.Fatalf("timed out with %d samples", len(got))
			}
		}
	}
	wg.Wait()
	for i, v := range got {
		if v != float32(i) {
			t.Fatalf("sample %d = %v, want %v", i, v, i)
		}
	}
}

func TestRing_Reset(t *testing.T) {
	t.Parallel()
	r := audio.NewRing(4)
	r.Push(seq(0, 6))
	r.Reset()
	if r.Len() != 0 || r.Dropped() != 0 || r.Overruns() != 0 {
		t.Errorf("after Reset: Len=%d Dropped=%d Overruns=%d", r.Len(), r.Dropped(), r.Overruns())
	}
}
