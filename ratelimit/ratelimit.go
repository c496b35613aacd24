// Package ratelimit implements the transport rate-limit collaborator
// the migration engine consumes (spec §6.1): a non-blocking "am I over
// budget" check plus the window size used to bound in-flight and
// queued bytes (spec §4.9's iterate loop, §5's backpressure note).
//
// It is a thin wrapper over golang.org/x/time/rate — the same
// golang.org/x family the donor already depends on for x/sync and
// x/sys — rather than a hand-rolled token bucket.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/gokvm/blockmig/clock"
)

// Budget tracks a bytes-per-period allowance.
type Budget struct {
	limiter *rate.Limiter
	window  int64
	clk     clock.Clock
}

// New returns a Budget allowing windowBytes per period, refilled
// continuously so that a steady stream averages to windowBytes/period.
func New(windowBytes int64, period time.Duration, clk clock.Clock) *Budget {
	r := rate.Limit(float64(windowBytes) / period.Seconds())

	return &Budget{
		limiter: rate.NewLimiter(r, int(windowBytes)),
		window:  windowBytes,
		clk:     clk,
	}
}

// Unlimited returns a Budget that never reports RateLimited, with
// WindowBytes reporting windowBytes (used to size the engine's pipeline
// cap even when no real throttling is in effect).
func Unlimited(windowBytes int64) *Budget {
	return &Budget{
		limiter: rate.NewLimiter(rate.Inf, int(windowBytes)),
		window:  windowBytes,
	}
}

func (b *Budget) now() time.Time {
	if b.clk == nil {
		return time.Now()
	}

	return time.Unix(0, b.clk.Nanos())
}

// RateLimited reports whether the budget is currently exhausted,
// without consuming any tokens — a pure peek, matching spec §4.6's
// "if the transport reports it is over its rate limit, stop" check.
func (b *Budget) RateLimited() bool {
	return b.limiter.TokensAt(b.now()) < 1
}

// WindowBytes returns the configured window size in bytes.
func (b *Budget) WindowBytes() int64 { return b.window }

// Consume accounts n just-transferred bytes against the budget. The
// budget may go into debt, in which case RateLimited reports true until
// the refill has paid it back.
func (b *Budget) Consume(n int64) {
	if n <= 0 {
		return
	}

	// ReserveN refuses any single charge larger than the burst size, so
	// a larger n is charged in burst-sized pieces.
	now := b.now()

	step := int64(b.limiter.Burst())
	if step <= 0 {
		step = n
	}

	for n > 0 {
		c := min(n, step)
		b.limiter.ReserveN(now, int(c))
		n -= c
	}
}
