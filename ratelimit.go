package centralauth

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// DefaultCooldown is the provider's minimum interval between token issuances
const DefaultCooldown = 30 * time.Minute

// Cooldown tracks when the last token was issued per credential key so a
// process never asks for a new token before the provider will hand one out.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	// blockedUntil holds provider-imposed waits (token endpoint 429s)
	blockedUntil map[string]time.Time
}

// NewCooldown creates a tracker for the given window. A zero window disables it.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window:       window,
		last:         make(map[string]time.Time),
		blockedUntil: make(map[string]time.Time),
	}
}

// Window returns the configured cooldown window
func (c *Cooldown) Window() time.Duration { return c.window }

// Record notes that a token was issued for key at t. Older times are ignored.
func (c *Cooldown) Record(key string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[key]; ok && prev.After(t) {
		return
	}
	c.last[key] = t
}

// Block forbids token requests for key until t
func (c *Cooldown) Block(key string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.blockedUntil[key]; ok && prev.After(until) {
		return
	}
	c.blockedUntil[key] = until
}

// LastIssued returns the last recorded issuance for key
func (c *Cooldown) LastIssued(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[key]
	return t, ok
}

// NextAllowed returns the earliest time a token request for key is allowed.
// Zero means right away.
func (c *Cooldown) NextAllowed(key string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	if last, ok := c.last[key]; ok && c.window > 0 {
		next = last.Add(c.window)
	}
	if until, ok := c.blockedUntil[key]; ok && until.After(next) {
		next = until
	}
	return next
}

// Remaining is how long the caller must wait before asking for a token for key.
func (c *Cooldown) Remaining(key string, now time.Time) time.Duration {
	next := c.NextAllowed(key)
	if next.IsZero() || !now.Before(next) {
		return 0
	}
	return next.Sub(now)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// ClockSleep returns a SleepFunc backed by clock
func ClockSleep(clock clockwork.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := clock.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Chan():
			return nil
		}
	}
}

// Backoff is the retry policy for 429 responses from the domain API.
// Retry n (starting at 0) waits BaseDelay * Multiplier^n, capped at MaxDelay.
type Backoff struct {
	BaseDelay  time.Duration
	Multiplier float64
	// MaxRetries is how many times a 429 is retried before giving up
	MaxRetries int
	MaxDelay   time.Duration
	// Sleep defaults to real time. Tests swap it to record delays.
	Sleep SleepFunc
}

// DefaultBackoff gives 60s, 90s, 135s
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:  60 * time.Second,
		Multiplier: 1.5,
		MaxRetries: 3,
	}
}

// Delay returns the wait before retry number attempt (0 based). A server
// supplied retryAfter wins when it is longer.
func (b Backoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(b.BaseDelay) * math.Pow(mult, float64(attempt)))
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// Schedule lists every delay the policy would use
func (b Backoff) Schedule() []time.Duration {
	out := make([]time.Duration, 0, b.MaxRetries)
	for i := 0; i < b.MaxRetries; i++ {
		out = append(out, b.Delay(i, 0))
	}
	return out
}

// Throttle limits outbound domain requests per second. A nil Throttle never waits.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows perSecond requests with the given burst. Zero or negative disables it.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request may go out
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}
