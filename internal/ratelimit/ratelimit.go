// Package ratelimit governs outbound calls to the review API. It enforces
// sliding hourly and per-minute request windows plus a concurrency cap, and
// applies exponential backoff after consecutive failures or an explicit
// retry-after signal from the remote service.
//
// GitHub's secondary rate limits are separately handled by the
// go-github-ratelimit round-tripper on the HTTP client; this limiter is the
// engine's own budget so a busy pipeline stays well under the primary quota.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Config bounds the limiter. All fields must be set.
type Config struct {
	MaxPerHour        int
	MaxPerMinute      int
	MaxConcurrent     int
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultConfig is tuned for GitHub's 5000 req/hour authenticated quota,
// with headroom for other consumers of the same token.
func DefaultConfig() Config {
	return Config{
		MaxPerHour:        3000,
		MaxPerMinute:      60,
		MaxConcurrent:     5,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Minute,
	}
}

// Validate rejects non-positive bounds and a multiplier below 1. Checked at
// construction so a bad config fails fast instead of stalling at runtime.
func (c Config) Validate() error {
	if c.MaxPerHour <= 0 {
		return fmt.Errorf("ratelimit: MaxPerHour must be positive, got %d", c.MaxPerHour)
	}
	if c.MaxPerMinute <= 0 {
		return fmt.Errorf("ratelimit: MaxPerMinute must be positive, got %d", c.MaxPerMinute)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("ratelimit: MaxConcurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("ratelimit: BackoffMultiplier must be >= 1, got %g", c.BackoffMultiplier)
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("ratelimit: MaxBackoff must be positive, got %s", c.MaxBackoff)
	}
	return nil
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  string // "backoff", "concurrency", "hourly", "minute"
}

// Limiter tracks request timestamps and in-flight count. Reservation is
// atomic: checking and recording happen under one lock so concurrent callers
// cannot both claim the last slot.
type Limiter struct {
	cfg Config

	mu                sync.Mutex
	timestamps        []time.Time // ascending, pruned to the trailing hour
	inFlight          int
	backoffUntil      time.Time
	consecutiveErrors int

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a limiter, validating cfg eagerly.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, now: time.Now, sleep: sleepCtx}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckLimit reports whether a request could proceed right now, and if not,
// how long to wait and why. Constraints are evaluated in a fixed order:
// backoff window, concurrency cap, hourly window, minute window.
func (l *Limiter) CheckLimit() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(l.now())
}

func (l *Limiter) checkLocked(now time.Time) Decision {
	if now.Before(l.backoffUntil) {
		return Decision{Wait: l.backoffUntil.Sub(now), Reason: "backoff"}
	}
	if l.inFlight >= l.cfg.MaxConcurrent {
		// No timestamp to derive a wait from; poll again shortly.
		return Decision{Wait: time.Second, Reason: "concurrency"}
	}

	l.pruneLocked(now)

	if len(l.timestamps) >= l.cfg.MaxPerHour {
		oldest := l.timestamps[len(l.timestamps)-l.cfg.MaxPerHour]
		return Decision{Wait: oldest.Add(time.Hour).Sub(now), Reason: "hourly"}
	}

	recent := 0
	cutoff := now.Add(-time.Minute)
	var oldestRecent time.Time
	for i := len(l.timestamps) - 1; i >= 0; i-- {
		if l.timestamps[i].After(cutoff) {
			recent++
			oldestRecent = l.timestamps[i]
		} else {
			break
		}
	}
	if recent >= l.cfg.MaxPerMinute {
		return Decision{Wait: oldestRecent.Add(time.Minute).Sub(now), Reason: "minute"}
	}

	return Decision{Allowed: true}
}

// Acquire blocks until a slot is free, then reserves it: the timestamp is
// recorded and the concurrency counter incremented inside the same critical
// section as the check. Callers must pair every successful Acquire with
// EndRequest.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		d := l.checkLocked(now)
		if d.Allowed {
			l.timestamps = append(l.timestamps, now)
			l.inFlight++
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		wait := d.Wait
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		slog.Debug("rate limited, waiting", "reason", d.Reason, "wait", wait)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// EndRequest releases the concurrency slot. On failure the consecutive
// error counter grows and an exponential backoff window opens:
// min(MaxBackoff, 1s * multiplier^errors). Success resets the counter.
func (l *Limiter) EndRequest(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}

	if success {
		l.consecutiveErrors = 0
		return
	}

	l.consecutiveErrors++
	backoff := time.Duration(float64(time.Second) * math.Pow(l.cfg.BackoffMultiplier, float64(l.consecutiveErrors)))
	if backoff > l.cfg.MaxBackoff || backoff < 0 {
		backoff = l.cfg.MaxBackoff
	}
	l.backoffUntil = l.now().Add(backoff)
	slog.Warn("request failed, backing off", "consecutiveErrors", l.consecutiveErrors, "backoff", backoff)
}

// HandleRateLimitError converts an explicit retry-after signal from the
// remote service into a backoff window, overriding any computed one.
func (l *Limiter) HandleRateLimitError(minutes, seconds int) {
	wait := time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	if wait <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backoffUntil = l.now().Add(wait)
	slog.Warn("remote rate limit signal, backing off", "wait", wait)
}

// Status is a point-in-time snapshot for the ratelimit CLI and API.
type Status struct {
	UsedLastHour      int           `json:"used_last_hour"`
	UsedLastMinute    int           `json:"used_last_minute"`
	InFlight          int           `json:"in_flight"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	BackoffRemaining  time.Duration `json:"backoff_remaining"`
	MaxPerHour        int           `json:"max_per_hour"`
	MaxPerMinute      int           `json:"max_per_minute"`
	MaxConcurrent     int           `json:"max_concurrent"`
}

// Status reports current window usage and backoff state.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	minuteCutoff := now.Add(-time.Minute)
	minute := 0
	for i := len(l.timestamps) - 1; i >= 0; i-- {
		if !l.timestamps[i].After(minuteCutoff) {
			break
		}
		minute++
	}

	var remaining time.Duration
	if l.backoffUntil.After(now) {
		remaining = l.backoffUntil.Sub(now)
	}

	return Status{
		UsedLastHour:      len(l.timestamps),
		UsedLastMinute:    minute,
		InFlight:          l.inFlight,
		ConsecutiveErrors: l.consecutiveErrors,
		BackoffRemaining:  remaining,
		MaxPerHour:        l.cfg.MaxPerHour,
		MaxPerMinute:      l.cfg.MaxPerMinute,
		MaxConcurrent:     l.cfg.MaxConcurrent,
	}
}

// pruneLocked drops timestamps older than one hour. Caller must hold l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append([]time.Time(nil), l.timestamps[i:]...)
	}
}
