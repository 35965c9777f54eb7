package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebounceCoalesces(t *testing.T) {
	d := New(30*time.Millisecond, 0)
	var calls atomic.Int32
	var last atomic.Int32

	for i := 1; i <= 5; i++ {
		n := int32(i)
		d.Debounce("doc", func() {
			calls.Add(1)
			last.Store(n)
		})
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if got := last.Load(); got != 5 {
		t.Errorf("ran call %d, want the last one", got)
	}
}

func TestDebounceMaxWait(t *testing.T) {
	d := New(time.Hour, time.Minute)
	clock := time.Unix(0, 0)
	d.now = func() time.Time { return clock }

	var calls atomic.Int32
	fn := func() { calls.Add(1) }

	d.Debounce("doc", fn)
	clock = clock.Add(30 * time.Second)
	d.Debounce("doc", fn)
	if calls.Load() != 0 {
		t.Fatal("ran before max wait")
	}

	clock = clock.Add(30 * time.Second)
	d.Debounce("doc", fn)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d after max wait, want 1", calls.Load())
	}
	if d.Pending("doc") {
		t.Error("still pending after max wait run")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	d := New(time.Hour, 0)
	var a, b atomic.Int32
	d.Debounce("a", func() { a.Add(1) })
	d.Debounce("b", func() { b.Add(1) })

	if !d.Flush("a") {
		t.Fatal("Flush(a) = false")
	}
	if a.Load() != 1 || b.Load() != 0 {
		t.Errorf("a=%d b=%d, want 1 0", a.Load(), b.Load())
	}
	if d.Flush("a") {
		t.Error("second Flush(a) = true")
	}

	d.Cancel("b")
	if d.Pending("b") {
		t.Error("b pending after Cancel")
	}
}

func TestStopFlushesAndRefuses(t *testing.T) {
	d := New(time.Hour, 0)
	var calls atomic.Int32
	d.Debounce("x", func() { calls.Add(1) })
	d.Stop()
	if calls.Load() != 1 {
		t.Fatalf("calls = %d after Stop, want 1", calls.Load())
	}

	d.Debounce("x", func() { calls.Add(1) })
	if d.Pending("x") || calls.Load() != 1 {
		t.Error("Debounce accepted work after Stop")
	}
}

func TestZeroWaitRunsImmediately(t *testing.T) {
	d := New(0, 0)
	ran := false
	d.Debounce("x", func() { ran = true })
	if !ran {
		t.Error("zero wait did not run synchronously")
	}
}
