package pacing

import (
	"context"
	"testing"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func recordSleeps(c *Controller) *[]time.Duration {
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return &slept
}

func TestIntervalClamping(t *testing.T) {
	t.Parallel()

	prof := Profile{
		BaseInterval:       8 * time.Second,
		MinInterval:        3 * time.Second,
		MaxInterval:        30 * time.Second,
		ErrorRateThreshold: 0.10,
		DynamicAdjustment:  true,
	}
	c := New(prof, logx.Nop())

	tests := []struct {
		name string
		rate float64
		want time.Duration
	}{
		{"no errors", 0, 8 * time.Second},
		{"below threshold", 0.05, 8 * time.Second},
		{"at threshold", 0.10, 8 * time.Second},
		// 8s * (1 + (0.5-0.1)*3) = 17.6s
		{"half failing", 0.5, 17600 * time.Millisecond},
		// 8s * (1 + 0.9*3) = 29.6s, still under max
		{"all failing", 1.0, 29600 * time.Millisecond},
	}
	for _, tc := range tests {
		if got := c.Interval(tc.rate); got != tc.want {
			t.Errorf("%s: Interval(%v) = %v, want %v", tc.name, tc.rate, got, tc.want)
		}
	}
}

func TestIntervalStaticProfile(t *testing.T) {
	t.Parallel()

	c := New(Profile{
		BaseInterval:       time.Second,
		MinInterval:        500 * time.Millisecond,
		MaxInterval:        10 * time.Second,
		ErrorRateThreshold: 0.20,
		DynamicAdjustment:  false,
	}, logx.Nop())

	if got := c.Interval(0.9); got != time.Second {
		t.Fatalf("static profile adjusted interval: %v", got)
	}
}

func TestIntervalMaxClamp(t *testing.T) {
	t.Parallel()

	c := New(Profile{
		BaseInterval:       15 * time.Second,
		MaxInterval:        20 * time.Second,
		ErrorRateThreshold: 0.1,
		DynamicAdjustment:  true,
	}, logx.Nop())

	if got := c.Interval(1.0); got != 20*time.Second {
		t.Fatalf("Interval(1.0) = %v, want clamped 20s", got)
	}
}

func TestWaitBeforeOperation(t *testing.T) {
	t.Parallel()

	c := New(Profile{
		BaseInterval:   2 * time.Second,
		BatchInterval:  60 * time.Second,
		BatchThreshold: 3,
		MinInterval:    time.Second,
		MaxInterval:    15 * time.Second,
	}, logx.Nop())
	slept := recordSleeps(c)

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if err := c.WaitBeforeOperation(ctx, i, 7); err != nil {
			t.Fatal(err)
		}
	}

	// index 0 skipped entirely, 3 and 6 hit the batch pause
	want := []time.Duration{
		2 * time.Second, 2 * time.Second, 60 * time.Second,
		2 * time.Second, 2 * time.Second, 60 * time.Second,
	}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", *slept, want)
		}
	}
}

func TestErrorWait(t *testing.T) {
	t.Parallel()

	c := New(Profile{
		ErrorRecoveryInterval: 5 * time.Second,
		FloodControlInterval:  60 * time.Second,
		FloodPenaltyStep:      30 * time.Second,
	}, logx.Nop())

	tests := []struct {
		kind  transport.Kind
		retry int
		want  time.Duration
	}{
		{transport.KindTransient, 0, 5 * time.Second},
		{transport.KindTransient, 4, 5 * time.Second},
		{transport.KindRateLimited, 0, 5 * time.Second},
		{transport.KindRateLimited, 1, 10 * time.Second},
		{transport.KindRateLimited, 3, 40 * time.Second},
		// exponent capped
		{transport.KindRateLimited, 9, 160 * time.Second},
		{transport.KindFloodControl, 0, 60 * time.Second},
		{transport.KindFloodControl, 2, 120 * time.Second},
		{transport.KindFloodControl, -1, 60 * time.Second},
	}
	for _, tc := range tests {
		if got := c.ErrorWait(tc.kind, tc.retry); got != tc.want {
			t.Errorf("ErrorWait(%v, %d) = %v, want %v", tc.kind, tc.retry, got, tc.want)
		}
	}
}

func TestRecentErrorRate(t *testing.T) {
	t.Parallel()

	c := New(Profile{}, logx.Nop())
	if got := c.RecentErrorRate(); got != 0 {
		t.Fatalf("empty window rate = %v", got)
	}

	c.RecordOutcome(true)
	c.RecordOutcome(true)
	c.RecordOutcome(false)
	c.RecordOutcome(false)
	if got := c.RecentErrorRate(); got != 0.5 {
		t.Fatalf("rate = %v, want 0.5", got)
	}

	// expire the window
	c.mu.Lock()
	c.windowStart = time.Now().Add(-2 * statsWindow)
	c.mu.Unlock()
	if got := c.RecentErrorRate(); got != 0 {
		t.Fatalf("rate after window reset = %v", got)
	}
}

func TestZeroProfileNeverSleeps(t *testing.T) {
	t.Parallel()

	c := New(Profile{}, logx.Nop())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := c.WaitBeforeOperation(ctx, i, 5); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.WaitAfterError(ctx, transport.KindRateLimited, 3); err != nil {
		t.Fatal(err)
	}
}

func TestSleepCtxCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
	if err := sleepCtx(ctx, 0); err != nil {
		t.Fatalf("zero sleep returned %v", err)
	}
}
