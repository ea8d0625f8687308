package centralauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestBackoff_DefaultSchedule(t *testing.T) {
	got := DefaultBackoff().Schedule()
	want := []time.Duration{60 * time.Second, 90 * time.Second, 135 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("Schedule() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Schedule()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{BaseDelay: time.Second, Multiplier: 2, MaxRetries: 10, MaxDelay: 5 * time.Second}

	tests := []struct {
		name       string
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{"first", 0, 0, time.Second},
		{"grows", 2, 0, 4 * time.Second},
		{"capped", 5, 0, 5 * time.Second},
		{"retry after wins when longer", 0, 10 * time.Second, 10 * time.Second},
		{"retry after ignored when shorter", 2, time.Second, 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Delay(tt.attempt, tt.retryAfter); got != tt.want {
				t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.retryAfter, got, tt.want)
			}
		})
	}

	flat := Backoff{BaseDelay: time.Second, Multiplier: 0.5}
	if got := flat.Delay(3, 0); got != time.Second {
		t.Errorf("multiplier below one should not shrink delays, got %v", got)
	}
}

func TestCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCooldown(30 * time.Minute)

	if got := c.Remaining("k", now); got != 0 {
		t.Errorf("unknown key Remaining() = %v, want 0", got)
	}

	c.Record("k", now)
	if got := c.Remaining("k", now.Add(10*time.Minute)); got != 20*time.Minute {
		t.Errorf("Remaining() = %v, want 20m", got)
	}
	if got := c.Remaining("k", now.Add(30*time.Minute)); got != 0 {
		t.Errorf("Remaining() at window end = %v, want 0", got)
	}

	// Older issuances never move the window back
	c.Record("k", now.Add(-time.Hour))
	if last, _ := c.LastIssued("k"); !last.Equal(now) {
		t.Errorf("LastIssued() = %v, want %v", last, now)
	}

	c.Block("k", now.Add(time.Hour))
	if got := c.NextAllowed("k"); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("NextAllowed() = %v, want block time", got)
	}
	if got := c.Remaining("other", now); got != 0 {
		t.Errorf("keys must be independent, got %v", got)
	}
}

func TestCooldown_ZeroWindow(t *testing.T) {
	now := time.Now()
	c := NewCooldown(0)
	c.Record("k", now)
	if got := c.Remaining("k", now); got != 0 {
		t.Errorf("disabled cooldown Remaining() = %v", got)
	}
}

func TestClockSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sleep := ClockSleep(clock)

	done := make(chan error, 1)
	go func() { done <- sleep(context.Background(), time.Minute) }()

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if err := <-done; err != nil {
		t.Errorf("sleep returned %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled sleep returned %v", err)
	}
}

func TestThrottle(t *testing.T) {
	var nilThrottle *Throttle
	if err := nilThrottle.Wait(context.Background()); err != nil {
		t.Errorf("nil throttle should never wait: %v", err)
	}
	if NewThrottle(0, 1) != nil {
		t.Error("zero rate should disable the throttle")
	}

	th := NewThrottle(1000, 5)
	for i := 0; i < 5; i++ {
		if err := th.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() = %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewThrottle(0.001, 1)
	_ = slow.Wait(context.Background())
	if err := slow.Wait(ctx); err == nil {
		t.Error("expected cancelled wait to fail")
	}
}
