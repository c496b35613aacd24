package ratelimit_test

import (
	"testing"
	"time"

	"github.com/gokvm/blockmig/clock"
	"github.com/gokvm/blockmig/ratelimit"
)

func TestUnlimitedNeverRateLimits(t *testing.T) {
	t.Parallel()

	b := ratelimit.Unlimited(1024)

	for i := 0; i < 10; i++ {
		if b.RateLimited() {
			t.Fatal("Unlimited budget reported rate-limited")
		}

		b.Consume(1 << 20)
	}

	if b.WindowBytes() != 1024 {
		t.Fatalf("WindowBytes = %d, want 1024", b.WindowBytes())
	}
}

func TestBudgetExhaustsAndRefills(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(0)
	b := ratelimit.New(1000, time.Second, fc)

	if b.RateLimited() {
		t.Fatal("fresh budget should not be rate-limited")
	}

	b.Consume(999)

	if b.RateLimited() {
		t.Fatal("budget with 1 token remaining should not report rate-limited")
	}

	b.Consume(1)

	if !b.RateLimited() {
		t.Fatal("exhausted budget should report rate-limited")
	}

	fc.Advance(time.Second)

	if b.RateLimited() {
		t.Fatal("budget should have refilled after a full period")
	}
}

func TestConsumeIgnoresNonPositive(t *testing.T) {
	t.Parallel()

	b := ratelimit.New(100, time.Second, clock.NewFake(0))
	b.Consume(0)
	b.Consume(-5)

	if b.RateLimited() {
		t.Fatal("consuming zero/negative bytes must not exhaust the budget")
	}
}
