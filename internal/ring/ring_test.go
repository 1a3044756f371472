// SPDX-License-Identifier: MIT
package ring

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
)

func newTestRing(t *testing.T, capacity, channels int) *Ring {
	t.Helper()
	r, err := New(capacity, channels)
	if err != nil {
		t.Fatalf("New(%d, %d): %v", capacity, channels, err)
	}
	return r
}

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func TestNewRoundsCapacity(t *testing.T) {
	tests := []struct {
		capacity int
		want     int
	}{
		{1, 1},
		{1000, 1024},
		{1024, 1024},
		{44100, 65536},
	}
	for _, tt := range tests {
		r := newTestRing(t, tt.capacity, 1)
		if r.Capacity() != tt.want {
			t.Errorf("New(%d).Capacity() = %d, want %d", tt.capacity, r.Capacity(), tt.want)
		}
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	if _, err := New(0, 1); err == nil {
		t.Error("expected error for zero capacity")
	}
	if _, err := New(16, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestPushIsAllOrNothing(t *testing.T) {
	r := newTestRing(t, 8, 1)
	if err := r.Push(ramp(0, 6)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	err := r.Push(ramp(6, 3))
	if !errors.Is(err, ErrOverrun) {
		t.Fatalf("Push error = %v, want ErrOverrun", err)
	}
	if r.Available() != 6 {
		t.Errorf("Available() = %d after rejected push, want 6", r.Available())
	}
	if got := r.Stats().Overruns; got != 1 {
		t.Errorf("Overruns = %d, want 1", got)
	}
	if err := r.Push(ramp(6, 2)); err != nil {
		t.Errorf("exact fit should succeed: %v", err)
	}
	if r.Free() != 0 {
		t.Errorf("Free() = %d, want 0", r.Free())
	}
}

func TestPopShortCountsUnderrun(t *testing.T) {
	r := newTestRing(t, 16, 2)
	_ = r.Push(ramp(0, 4))

	dst := make([]float32, 8)
	n := r.Pop(dst)
	if n != 4 {
		t.Fatalf("Pop() = %d, want 4", n)
	}
	for i := range n {
		if dst[i] != float32(i) {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], i)
		}
	}
	st := r.Stats()
	if st.Underruns != 1 || st.UnderrunSamples != 4 {
		t.Errorf("Underruns = %d/%d samples, want 1/4", st.Underruns, st.UnderrunSamples)
	}
}

func TestPopKeepsFramesWhole(t *testing.T) {
	r := newTestRing(t, 16, 2)
	_ = r.Push(ramp(0, 6))
	dst := make([]float32, 5)
	if n := r.Pop(dst); n != 4 {
		t.Errorf("Pop() = %d, want 4 (two whole stereo frames)", n)
	}
	if r.Available() != 2 {
		t.Errorf("Available() = %d, want 2", r.Available())
	}
}

func TestWrapAround(t *testing.T) {
	r := newTestRing(t, 8, 1)
	dst := make([]float32, 5)
	next := 0
	want := 0
	for range 20 {
		if err := r.Push(ramp(next, 5)); err != nil {
			t.Fatalf("Push: %v", err)
		}
		next += 5
		n := r.Pop(dst)
		for i := range n {
			if dst[i] != float32(want) {
				t.Fatalf("got %v, want %v", dst[i], want)
			}
			want++
		}
	}
}

// Ordering and no loss for random push/pop sizes where the producer never
// outruns capacity.
func TestOrderingNoLossRandom(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	r := newTestRing(t, 256, 1)
	dst := make([]float32, 256)
	next, want := 0, 0

	for range 10000 {
		if n := rng.IntN(64); n <= r.Free() {
			if err := r.Push(ramp(next, n)); err != nil {
				t.Fatalf("Push(%d) with %d free: %v", n, r.Free(), err)
			}
			next += n
		}
		got := r.Pop(dst[:rng.IntN(64)+1])
		for i := range got {
			if dst[i] != float32(want) {
				t.Fatalf("sample %d: got %v", want, dst[i])
			}
			want++
		}
	}
	got := r.Pop(dst)
	want += got
	if want != next {
		t.Errorf("popped %d samples, pushed %d", want, next)
	}
}

func TestConcurrentSPSC(t *testing.T) {
	const total = 1 << 18
	r := newTestRing(t, 1024, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		chunk := make([]float32, 64)
		for sent := 0; sent < total; {
			for i := range chunk {
				chunk[i] = float32(sent + i)
			}
			if r.Push(chunk) == nil {
				sent += len(chunk)
			}
		}
	}()

	dst := make([]float32, 100)
	want := 0
	for want < total {
		n := r.Pop(dst)
		for i := range n {
			if dst[i] != float32(want) {
				t.Fatalf("sample %d: got %v", want, dst[i])
			}
			want++
		}
	}
	wg.Wait()
}

func TestPushPopZeroAllocs(t *testing.T) {
	r := newTestRing(t, 4096, 2)
	src := ramp(0, 512)
	dst := make([]float32, 512)
	allocs := testing.AllocsPerRun(100, func() {
		_ = r.Push(src)
		r.Pop(dst)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in push/pop, got %.1f", allocs)
	}
}

func TestPad(t *testing.T) {
	tests := []struct {
		name   string
		buf    []float32
		n      int
		policy FillPolicy
		want   []float32
	}{
		{"silence", []float32{1, 2, 3, 4, 9, 9}, 4, FillSilence, []float32{1, 2, 3, 4, 0, 0}},
		{"last", []float32{1, 2, 3, 4, 9, 9, 9, 9}, 4, FillLastSample, []float32{1, 2, 3, 4, 3, 4, 3, 4}},
		{"full", []float32{1, 2, 3, 4}, 4, FillLastSample, []float32{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := make([]float32, 2)
			Pad(tt.buf, tt.n, tt.policy, last)
			for i := range tt.want {
				if tt.buf[i] != tt.want[i] {
					t.Fatalf("buf = %v, want %v", tt.buf, tt.want)
				}
			}
		})
	}
}

func TestPadHoldsAcrossCallbacks(t *testing.T) {
	last := make([]float32, 1)
	first := []float32{0.1, 0.5}
	Pad(first, 2, FillLastSample, last)
	empty := []float32{9, 9, 9}
	Pad(empty, 0, FillLastSample, last)
	for _, v := range empty {
		if v != 0.5 {
			t.Fatalf("empty callback should repeat last sample, got %v", empty)
		}
	}
}

func TestParsePolicies(t *testing.T) {
	if p, err := ParseOverrunPolicy("drop"); err != nil || p != OverrunDropNewest {
		t.Errorf("ParseOverrunPolicy(drop) = %v, %v", p, err)
	}
	if p, err := ParseOverrunPolicy(""); err != nil || p != OverrunBackoff {
		t.Errorf("ParseOverrunPolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParseOverrunPolicy("block"); err == nil {
		t.Error("expected error for unknown overrun policy")
	}
	if p, err := ParseFillPolicy("hold"); err != nil || p != FillLastSample {
		t.Errorf("ParseFillPolicy(hold) = %v, %v", p, err)
	}
	if _, err := ParseFillPolicy("noise"); err == nil {
		t.Error("expected error for unknown fill policy")
	}
}

func BenchmarkPushPop(b *testing.B) {
	r, _ := New(8192, 2)
	src := ramp(0, 1024)
	dst := make([]float32, 1024)
	b.ReportAllocs()
	for b.Loop() {
		_ = r.Push(src)
		r.Pop(dst)
	}
}
