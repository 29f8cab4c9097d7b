package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendiffdev/conductor/backoff"
)

func TestConstant(t *testing.T) {
	c := backoff.NewConstant(250 * time.Millisecond)
	for _, n := range []int{1, 2, 10} {
		if got := c.Delay(n); got != 250*time.Millisecond {
			t.Errorf("Delay(%d) = %v", n, got)
		}
	}
}

func TestExponentialSchedule(t *testing.T) {
	e := backoff.NewExponential(time.Second, 30*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := e.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := e.Delay(500); got != 30*time.Second {
		t.Errorf("Delay(500) = %v, want cap", got)
	}
}

func TestExponentialUncapped(t *testing.T) {
	e := &backoff.Exponential{Initial: time.Millisecond}
	if got := e.Delay(11); got != 1024*time.Millisecond {
		t.Errorf("Delay(11) = %v", got)
	}
	if got := e.Delay(1000); got <= 0 {
		t.Errorf("Delay(1000) = %v, want positive", got)
	}
}

func TestJitterStaysUnderCap(t *testing.T) {
	e := backoff.NewExponentialWithJitter(100*time.Millisecond, time.Second)
	seen := make(map[time.Duration]bool)
	for range 200 {
		d := e.Delay(3)
		if d < 0 || d > 400*time.Millisecond {
			t.Fatalf("Delay(3) = %v, want within [0, 400ms]", d)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Error("jitter produced a single value")
	}
	if d := e.Delay(20); d > time.Second {
		t.Errorf("Delay(20) = %v, above max", d)
	}
}

func TestDefaultStrategy(t *testing.T) {
	e, ok := backoff.DefaultStrategy().(*backoff.Exponential)
	if !ok {
		t.Fatalf("DefaultStrategy() = %T", backoff.DefaultStrategy())
	}
	if !e.Jitter || e.Initial != 100*time.Millisecond || e.Max != 5*time.Second {
		t.Errorf("DefaultStrategy() = %+v", e)
	}
}

func TestRetry(t *testing.T) {
	errBusy := errors.New("queue busy")
	errBadID := errors.New("malformed job id")
	fast := backoff.NewConstant(time.Millisecond)

	tests := []struct {
		name      string
		attempts  int
		failFirst int
		err       error
		wantCalls int
		wantErr   error
	}{
		{"first try", 3, 0, errBusy, 1, nil},
		{"recovers", 3, 2, errBusy, 3, nil},
		{"exhausted", 3, 99, errBusy, 3, errBusy},
		{"zero attempts still runs once", 0, 99, errBusy, 1, errBusy},
		{"permanent", 5, 99, backoff.Permanent(errBadID), 1, errBadID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := backoff.Retry(context.Background(), fast, tt.attempts, func(_ context.Context, n int) error {
				calls++
				if n != calls {
					t.Errorf("attempt = %d on call %d", n, calls)
				}
				if calls <= tt.failFirst {
					return tt.err
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if backoff.IsPermanent(err) {
				t.Error("Retry returned a still-wrapped Permanent error")
			}
		})
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	errDown := errors.New("redis down")

	start := time.Now()
	err := backoff.Retry(ctx, backoff.NewConstant(time.Hour), 5, func(context.Context, int) error { return errDown })
	if !errors.Is(err, errDown) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Retry slept through a cancelled context")
	}
}

func TestPermanentNil(t *testing.T) {
	if backoff.Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
}
