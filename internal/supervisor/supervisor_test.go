package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRunCapturesOutputAndCompletes(t *testing.T) {
	var mu sync.Mutex
	var chunks []string
	var finalState State

	done := make(chan struct{})
	sup := New(t.TempDir(), nil,
		func(c OutputChunk) {
			mu.Lock()
			chunks = append(chunks, string(c.Bytes))
			mu.Unlock()
		},
		func(e *Execution) {
			if e.State == StateCompleted || e.State == StateFailed {
				finalState = e.State
				close(done)
			}
		},
	)

	ex, err := sup.Run("session-1", "echo hello", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StatePending {
		t.Errorf("initial state = %q, want pending", ex.State)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if finalState != StateCompleted {
		t.Errorf("finalState = %q, want completed", finalState)
	}
	mu.Lock()
	joined := strings.Join(chunks, "")
	mu.Unlock()
	if !strings.Contains(joined, "hello") {
		t.Errorf("output = %q, want to contain hello", joined)
	}
}

func TestRunRejectsConcurrentExecutionForSameSession(t *testing.T) {
	sup := New(t.TempDir(), nil, nil, nil)

	_, err := sup.Run("session-1", "sleep 1", 2*time.Second)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err = sup.Run("session-1", "echo again", time.Second)
	if err != ErrBusy {
		t.Fatalf("second Run error = %v, want ErrBusy", err)
	}
}

func TestRunTimesOutAndEscalates(t *testing.T) {
	done := make(chan State, 1)
	sup := New(t.TempDir(), nil, nil, func(e *Execution) {
		if e.State == StateTimeout {
			select {
			case done <- e.State:
			default:
			}
		}
	})

	_, err := sup.Run("session-1", "sleep 5", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case state := <-done:
		if state != StateTimeout {
			t.Errorf("state = %q, want timeout", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timeout state")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	sup := New(t.TempDir(), nil, nil, nil)
	if err := sup.Cancel("no-such-session"); err != nil {
		t.Errorf("Cancel on unknown session should be a no-op, got %v", err)
	}

	_, err := sup.Run("session-1", "sleep 5", 2*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := sup.Cancel("session-1"); err != nil {
		t.Errorf("Cancel: %v", err)
	}
	if err := sup.Cancel("session-1"); err != nil {
		t.Errorf("second Cancel should also be a no-op, got %v", err)
	}
}

func TestWaitReturnsAfterCompletion(t *testing.T) {
	sup := New(t.TempDir(), nil, nil, nil)
	ex, err := sup.Run("session-1", "echo hi", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := ex.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	snap := ex.Snapshot()
	if snap.State != StateCompleted {
		t.Errorf("Snapshot().State = %q, want completed", snap.State)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	sup := New(t.TempDir(), nil, nil, nil)
	ex, err := sup.Run("session-1", "sleep 5", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ex.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait() = %v, want context.DeadlineExceeded", err)
	}
	sup.Cancel("session-1")
}

func TestHistoryBoundedAtFifty(t *testing.T) {
	sup := New(t.TempDir(), nil, nil, nil)
	for i := 0; i < 55; i++ {
		e := &Execution{ID: "fake", SessionID: "session-1", State: StateCompleted, done: make(chan struct{})}
		close(e.done)
		sup.mu.Lock()
		hist := append(sup.history["session-1"], e)
		if len(hist) > maxHistory {
			hist = hist[len(hist)-maxHistory:]
		}
		sup.history["session-1"] = hist
		sup.mu.Unlock()
	}
	if got := len(sup.History("session-1")); got != maxHistory {
		t.Errorf("History length = %d, want %d", got, maxHistory)
	}
}
