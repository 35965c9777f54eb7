package throttle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestThrottle(t *testing.T, config Config) (*Throttle, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	config.Now = clock.Now
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	th := New(config)
	t.Cleanup(th.Stop)
	return th, clock
}

func TestBanAfterLimit(t *testing.T) {
	th, clock := newTestThrottle(t, Config{Limit: 15, Window: time.Minute, BanTime: 5 * time.Minute})
	const ip = "203.0.113.9"

	for i := 1; i <= 15; i++ {
		if !th.Admit(ip) {
			t.Fatalf("attempt %d refused, want admitted", i)
		}
		clock.Advance(time.Second)
	}
	if th.Admit(ip) {
		t.Fatal("16th attempt admitted, want refused")
	}

	// Every attempt during the ban is refused.
	for i := 0; i < 10; i++ {
		clock.Advance(20 * time.Second)
		if th.Admit(ip) {
			t.Fatalf("attempt %s into the ban admitted", time.Duration(i+1)*20*time.Second)
		}
	}

	clock.Advance(5*time.Minute + time.Minute)
	if !th.Admit(ip) {
		t.Error("attempt after ban and window refused")
	}
}

func TestWindowSlides(t *testing.T) {
	th, clock := newTestThrottle(t, Config{Limit: 3, Window: time.Minute})
	const ip = "198.51.100.1"

	for i := 0; i < 3; i++ {
		if !th.Admit(ip) {
			t.Fatalf("attempt %d refused", i+1)
		}
	}
	// The first three fall out of the window.
	clock.Advance(time.Minute + time.Second)
	for i := 0; i < 3; i++ {
		if !th.Admit(ip) {
			t.Fatalf("attempt %d after slide refused", i+1)
		}
	}
}

func TestBanIsPerIP(t *testing.T) {
	th, _ := newTestThrottle(t, Config{Limit: 1})

	th.Admit("a")
	if th.Admit("a") {
		t.Fatal("second attempt from a admitted")
	}
	if !th.IsBanned("a") {
		t.Error("a not banned")
	}
	if !th.Admit("b") {
		t.Error("b refused because of a")
	}
}

func TestDisabled(t *testing.T) {
	for _, config := range []Config{{Limit: -1}, {Disabled: true}} {
		th, _ := newTestThrottle(t, config)
		for i := 0; i < 100; i++ {
			if !th.Admit("ip") {
				t.Fatalf("config %+v refused attempt %d", config, i+1)
			}
		}
	}
}

func TestCleanupForgetsIdleIPs(t *testing.T) {
	th, clock := newTestThrottle(t, Config{Limit: 2, Window: time.Minute, BanTime: 5 * time.Minute})

	th.Admit("idle")
	th.Admit("banned")
	th.Admit("banned")
	th.Admit("banned")
	if th.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", th.Len())
	}

	clock.Advance(2 * time.Minute)
	th.Cleanup()
	if th.Len() != 1 {
		t.Fatalf("Len() after window = %d, want 1 (the banned ip)", th.Len())
	}
	if !th.IsBanned("banned") {
		t.Error("ban dropped before expiry")
	}

	clock.Advance(5 * time.Minute)
	th.Cleanup()
	if th.Len() != 0 {
		t.Errorf("Len() after ban = %d, want 0", th.Len())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	th, _ := newTestThrottle(t, Config{CleanupInterval: time.Millisecond})
	th.Stop()
	th.Stop()
	if err := th.OnDestroy(context.Background(), nil); err != nil {
		t.Errorf("OnDestroy() error = %v", err)
	}
}
