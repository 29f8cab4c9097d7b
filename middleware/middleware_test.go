package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/middleware"
)

func standalone() *job.Job {
	return &job.Job{ID: id.NewJobID(), ClientID: "acme", Priority: job.PriorityNormal}
}

func batched() *job.Job {
	j := standalone()
	j.BatchID = id.NewBatchID()
	j.Priority = job.PriorityHigh
	j.RetryCount = 1
	return j
}

func ok(context.Context) error { return nil }

// ──────────────────────────────────────────────────
// Chain
// ──────────────────────────────────────────────────

func TestChain_FirstIsOutermost(t *testing.T) {
	var trail []string
	mark := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
			trail = append(trail, name+">")
			err := next(ctx)
			trail = append(trail, "<"+name)
			return err
		}
	}

	err := middleware.Chain(mark("a"), mark("b"))(context.Background(), standalone(), func(context.Context) error {
		trail = append(trail, "exec")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.Join(trail, " "), "a> b> exec <b <a"; got != want {
		t.Errorf("trail = %q, want %q", got, want)
	}
}

func TestChain_EmptyRunsHandler(t *testing.T) {
	ran := false
	_ = middleware.Chain()(context.Background(), standalone(), func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("handler not called")
	}
}

func TestChain_SeesSameJob(t *testing.T) {
	j := batched()
	var seen []*job.Job
	peek := func(ctx context.Context, got *job.Job, next middleware.Handler) error {
		seen = append(seen, got)
		return next(ctx)
	}
	_ = middleware.Chain(peek, peek)(context.Background(), j, ok)
	if len(seen) != 2 || seen[0] != j || seen[1] != j {
		t.Errorf("middleware saw %v, want the claimed job twice", seen)
	}
}

// ──────────────────────────────────────────────────
// Recover
// ──────────────────────────────────────────────────

func TestRecover_ReturnsPanicError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := middleware.Recover(logger)(context.Background(), standalone(), func(context.Context) error {
		panic("decoder exploded")
	})

	var pe *middleware.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PanicError", err)
	}
	if pe.Value != "decoder exploded" || len(pe.Stack) == 0 {
		t.Errorf("PanicError = %+v", pe)
	}
	if !strings.Contains(buf.String(), "executor panicked") {
		t.Errorf("log = %q", buf.String())
	}
}

func TestRecover_PassesErrorsThrough(t *testing.T) {
	want := errors.New("exit status 1")
	err := middleware.Recover(slog.Default())(context.Background(), standalone(), func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

// ──────────────────────────────────────────────────
// Timeout
// ──────────────────────────────────────────────────

func TestTimeout_ReportsDeadline(t *testing.T) {
	err := middleware.Timeout(20*time.Millisecond)(context.Background(), standalone(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if !strings.Contains(err.Error(), "timed out after 20ms") {
		t.Errorf("err = %q", err)
	}
}

func TestTimeout_OuterCancelIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := middleware.Timeout(time.Hour)(ctx, standalone(), func(ctx context.Context) error {
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want Canceled", err)
	}
}

func TestTimeout_ZeroDisables(t *testing.T) {
	_ = middleware.Timeout(0)(context.Background(), standalone(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("deadline set with zero timeout")
		}
		return nil
	})
}

// ──────────────────────────────────────────────────
// Logging
// ──────────────────────────────────────────────────

func TestLogging_Outcomes(t *testing.T) {
	tests := []struct {
		name  string
		ctx   func() context.Context
		err   error
		want  string
		level string
	}{
		{"ok", context.Background, nil, "execution finished", "INFO"},
		{"failed", context.Background, errors.New("bad input"), "execution failed", "ERROR"},
		{"cancelled", func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		}, context.Canceled, "execution cancelled", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			j := batched()

			err := middleware.Logging(logger)(tt.ctx(), j, func(context.Context) error { return tt.err })
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			out := buf.String()
			if !strings.Contains(out, "execution started") || !strings.Contains(out, tt.want) {
				t.Errorf("log missing %q:\n%s", tt.want, out)
			}
			if !strings.Contains(out, "level="+tt.level+` msg="`+tt.want) {
				t.Errorf("%q not logged at %s:\n%s", tt.want, tt.level, out)
			}
			if !strings.Contains(out, "batch_id="+j.BatchID.String()) {
				t.Errorf("batch_id missing:\n%s", out)
			}
		})
	}
}
