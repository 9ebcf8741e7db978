package toolcall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/missionctl/missionctl/internal/common/logger"
)

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return New(log)
}

func TestResolveReleasesWaiter(t *testing.T) {
	c := newCoordinator(t)

	w, err := c.Register("T1", "M1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	go func() {
		_ = c.Resolve("T1", Result{Content: "abc"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if outcome.Cancelled {
		t.Fatal("expected result, got cancellation")
	}
	if outcome.Result.Content != "abc" || outcome.Result.ToolCallID != "T1" {
		t.Errorf("unexpected result: %+v", outcome.Result)
	}
}

func TestDuplicateResolveReturnsNotFound(t *testing.T) {
	c := newCoordinator(t)

	if _, err := c.Register("T1", "M1"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := c.Resolve("T1", Result{Content: "first"}); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if err := c.Resolve("T1", Result{Content: "second"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on duplicate resolve, got %v", err)
	}
}

func TestResolveWithoutWaiter(t *testing.T) {
	c := newCoordinator(t)
	if err := c.Resolve("nope", Result{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateRegister(t *testing.T) {
	c := newCoordinator(t)
	if _, err := c.Register("T1", "M1"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := c.Register("T1", "M1"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestCancelBeatsResolve(t *testing.T) {
	c := newCoordinator(t)

	w, err := c.Register("T1", "M1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	c.Cancel("T1", "user cancel")

	// Whichever fires first wins; the late resolve is a no-op
	if err := c.Resolve("T1", Result{Content: "late"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after cancel, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !outcome.Cancelled || outcome.Reason != "user cancel" {
		t.Errorf("expected cancelled outcome, got %+v", outcome)
	}
}

func TestCancelAllFor(t *testing.T) {
	c := newCoordinator(t)

	w1, _ := c.Register("T1", "M1")
	w2, _ := c.Register("T2", "M1")
	w3, _ := c.Register("T3", "M2")

	ids := c.CancelAllFor("M1", "mission interrupted")
	if len(ids) != 2 {
		t.Fatalf("expected 2 cancellations, got %d", len(ids))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, w := range []*Waiter{w1, w2} {
		outcome, err := w.Wait(ctx)
		if err != nil {
			t.Fatalf("wait failed: %v", err)
		}
		if !outcome.Cancelled {
			t.Error("expected cancellation")
		}
	}

	// The other mission's waiter survives
	if pending := c.Pending("M2"); len(pending) != 1 || pending[0] != "T3" {
		t.Errorf("expected T3 still pending, got %v", pending)
	}
	if err := c.Resolve("T3", Result{Content: "ok"}); err != nil {
		t.Errorf("resolve of surviving waiter failed: %v", err)
	}
	outcome, err := w3.Wait(ctx)
	if err != nil || outcome.Cancelled {
		t.Errorf("expected result for T3, got %+v err %v", outcome, err)
	}
}

func TestWaitContextCancelled(t *testing.T) {
	c := newCoordinator(t)
	w, _ := c.Register("T1", "M1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := w.Wait(ctx)
	if err == nil {
		t.Error("expected context error")
	}
	if !outcome.Cancelled {
		t.Error("expected cancelled outcome on context end")
	}
}
