// Package throttle limits how often one IP address may open connections.
//
// It keeps a sliding window of attempt timestamps per IP. An IP that makes
// more than Limit attempts inside Window is banned for BanTime; attempts
// during a ban are refused without being recorded.
//
// Register a Throttle as a server extension; the server consults it before
// running any hook for a new socket:
//
//	t := throttle.New(throttle.Config{})
//	srv, err := server.New(&server.Config{Extensions: []server.Extension{t}})
package throttle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jjgmckenzie/hocuspocus/pkg/server"
)

// Config configures a Throttle. Zero fields take the defaults below.
type Config struct {
	// Limit is the number of attempts allowed per Window. A negative
	// Limit disables throttling. Default: 15.
	Limit int

	// Window is the sliding window attempts are counted in.
	// Default: 60 seconds.
	Window time.Duration

	// BanTime is how long an IP stays banned.
	// Default: 5 minutes.
	BanTime time.Duration

	// CleanupInterval is how often idle IPs are forgotten.
	// Default: 90 seconds.
	CleanupInterval time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger receives ban notices. Default: slog.Default().
	Logger *slog.Logger

	// Disabled turns every check into an accept, regardless of Limit.
	Disabled bool
}

// DefaultConfig returns the default throttle settings.
func DefaultConfig() Config {
	return Config{
		Limit:           15,
		Window:          time.Minute,
		BanTime:         5 * time.Minute,
		CleanupInterval: 90 * time.Second,
	}
}

// Throttle is a per-IP connection limiter. It implements server.Admitter
// and server.DestroyHook.
type Throttle struct {
	config Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string][]time.Time
	banned   map[string]time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var (
	_ server.Admitter    = (*Throttle)(nil)
	_ server.DestroyHook = (*Throttle)(nil)
)

// New creates a Throttle and starts its cleanup loop. Stop it with Stop,
// or let the server stop it from OnDestroy.
func New(config Config) *Throttle {
	defaults := DefaultConfig()
	if config.Limit == 0 && !config.Disabled {
		config.Limit = defaults.Limit
	}
	if config.Limit < 0 {
		config.Disabled = true
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.BanTime <= 0 {
		config.BanTime = defaults.BanTime
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	t := &Throttle{
		config:   config,
		now:      config.Now,
		logger:   config.Logger.With("component", "throttle"),
		attempts: make(map[string][]time.Time),
		banned:   make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	if !config.Disabled {
		t.wg.Add(1)
		go t.cleanupLoop()
	}
	return t
}

// Admit records a connection attempt from ip and reports whether it may
// proceed.
func (t *Throttle) Admit(ip string) bool {
	if t.config.Disabled {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if bannedAt, ok := t.banned[ip]; ok {
		if now.Before(bannedAt.Add(t.config.BanTime)) {
			return false
		}
		delete(t.banned, ip)
		delete(t.attempts, ip)
	}

	history := prune(t.attempts[ip], now.Add(-t.config.Window))
	history = append(history, now)
	t.attempts[ip] = history

	if len(history) > t.config.Limit {
		t.banned[ip] = now
		t.logger.Warn("ip banned", "ip", ip, "attempts", len(history), "ban_time", t.config.BanTime)
		return false
	}
	return true
}

// IsBanned reports whether ip is currently banned.
func (t *Throttle) IsBanned(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	bannedAt, ok := t.banned[ip]
	return ok && t.now().Before(bannedAt.Add(t.config.BanTime))
}

// Len returns the number of IPs being tracked.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.attempts)
	for ip := range t.banned {
		if _, ok := t.attempts[ip]; !ok {
			n++
		}
	}
	return n
}

// Cleanup forgets IPs with no attempts inside the window and no active ban.
func (t *Throttle) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.config.Window)
	for ip, bannedAt := range t.banned {
		if !now.Before(bannedAt.Add(t.config.BanTime)) {
			delete(t.banned, ip)
		}
	}
	for ip, history := range t.attempts {
		if _, banned := t.banned[ip]; banned {
			continue
		}
		history = prune(history, cutoff)
		if len(history) == 0 {
			delete(t.attempts, ip)
		} else {
			t.attempts[ip] = history
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

// OnDestroy stops the throttle with its server.
func (t *Throttle) OnDestroy(context.Context, *server.DestroyPayload) error {
	t.Stop()
	return nil
}

func (t *Throttle) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Cleanup()
		case <-t.done:
			return
		}
	}
}

// prune drops timestamps not after cutoff. history is sorted.
func prune(history []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(history) && !history[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return history
	}
	return append(history[:0], history[i:]...)
}
