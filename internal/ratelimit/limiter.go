// Package ratelimit implements a rolling-window request cap shared by every task that uses the
// same platform credential.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Key identifies one window. Unauthenticated platforms use an empty CredentialID.
type Key struct {
	Platform     string
	CredentialID string
}

// Limit allows Requests grants within any rolling Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

func (l Limit) unlimited() bool {
	return l.Requests <= 0 || l.Window <= 0
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger attaches a logger for wait diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithGrantHook is called under the limiter lock with the exact grant time.
func WithGrantHook(hook func(Key, time.Time)) Option {
	return func(l *Limiter) { l.onGrant = hook }
}

// Limiter keeps a log of grant timestamps per key. A request counts from the moment Acquire
// returns, and capacity frees continuously as old grants age out of the window.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	windows map[Key][]time.Time

	now     func() time.Time
	logger  *slog.Logger
	onGrant func(Key, time.Time)
}

// New builds a limiter with per-platform limits. Platforms absent from limits are not throttled.
func New(limits map[string]Limit, opts ...Option) *Limiter {
	l := &Limiter{
		limits:  make(map[string]Limit, len(limits)),
		windows: map[Key][]time.Time{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for platform, limit := range limits {
		l.limits[platform] = limit
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimit installs or replaces the limit of a platform.
func (l *Limiter) SetLimit(platform string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[platform] = limit
}

// Acquire blocks until the key has capacity, then records the grant. It returns ctx.Err() if the
// context ends first; a cancelled wait never consumes capacity.
func (l *Limiter) Acquire(ctx context.Context, key Key) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, granted := l.tryGrant(key)
		if granted {
			return nil
		}

		l.logger.Debug("rate limit reached, waiting",
			"platform", key.Platform,
			"credential", key.CredentialID,
			"wait", wait,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) tryGrant(key Key) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[key.Platform]
	if !ok || limit.unlimited() {
		return 0, true
	}

	now := l.now()
	grants := l.windows[key]

	expired := 0
	for expired < len(grants) && now.Sub(grants[expired]) >= limit.Window {
		expired++
	}
	grants = grants[expired:]

	if len(grants) < limit.Requests {
		grants = append(grants, now)
		l.windows[key] = grants
		if l.onGrant != nil {
			l.onGrant(key, now)
		}
		return 0, true
	}

	l.windows[key] = grants
	wait := grants[0].Add(limit.Window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// InWindow reports how many grants for key are still inside the rolling window.
func (l *Limiter) InWindow(key Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[key.Platform]
	if !ok || limit.unlimited() {
		return 0
	}
	now := l.now()
	count := 0
	for _, g := range l.windows[key] {
		if now.Sub(g) < limit.Window {
			count++
		}
	}
	return count
}
