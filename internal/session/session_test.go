package session

import (
	"context"
	"testing"
	"time"

	"github.com/wingthing-broker/agent/internal/auth"
)

func TestCreateVerifyRefreshDelete(t *testing.T) {
	st := NewStore()
	id, secret, err := st.Create("27539093")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(id) != idLength {
		t.Errorf("id length = %d, want %d", len(id), idLength)
	}

	s, ok := st.Get(id)
	if !ok {
		t.Fatal("session should be observable after create")
	}
	if s.Authenticated {
		t.Error("session should not be authenticated before verify")
	}

	valid := totpCodeNow(t, secret)
	if !st.Verify(id, valid) {
		t.Fatal("Verify should succeed with a valid code")
	}
	if !st.Authenticated(id) {
		t.Error("session should be authenticated after verify")
	}

	before, _ := st.Get(id)
	newExpiry, err := st.Refresh(id)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !newExpiry.After(before.ExpiresAt) {
		t.Error("expiresAt should be strictly greater after refresh")
	}

	st.Remove(id)
	if _, ok := st.Get(id); ok {
		t.Error("session should be absent after delete")
	}
}

func TestRefreshRequiresAuthentication(t *testing.T) {
	st := NewStore()
	id, _, _ := st.Create("27539093")
	if _, err := st.Refresh(id); err == nil {
		t.Fatal("expected Refresh to fail on an unauthenticated session")
	}
}

func TestVerifyWrongCodeFails(t *testing.T) {
	st := NewStore()
	id, _, _ := st.Create("27539093")
	if st.Verify(id, "000000") {
		t.Error("expected wrong code to fail (astronomically unlikely collision otherwise)")
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	st := NewStore()
	id, _, _ := st.Create("27539093")

	st.mu.Lock()
	st.sessions[id].LastActivity = time.Now().Add(-2 * idleTimeout)
	st.mu.Unlock()

	removed := st.Sweep()
	if len(removed) != 1 || removed[0] != id {
		t.Fatalf("Sweep() = %v, want [%s]", removed, id)
	}
	if _, ok := st.Get(id); ok {
		t.Error("session should be gone after sweep")
	}
}

func TestRemoveAllClearsEverySession(t *testing.T) {
	st := NewStore()
	id1, _, _ := st.Create("27539093")
	id2, _, _ := st.Create("27539093")

	removed := st.RemoveAll()
	if len(removed) != 2 {
		t.Fatalf("RemoveAll() returned %d ids, want 2", len(removed))
	}
	if _, ok := st.Get(id1); ok {
		t.Error("id1 should be gone")
	}
	if _, ok := st.Get(id2); ok {
		t.Error("id2 should be gone")
	}
}

func TestStartSweeperInvokesCallback(t *testing.T) {
	st := NewStore()
	id, _, _ := st.Create("27539093")
	st.mu.Lock()
	st.sessions[id].LastActivity = time.Now().Add(-2 * idleTimeout)
	st.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan []string, 1)
	st.StartSweeper(ctx, 10*time.Millisecond, func(ids []string) {
		select {
		case done <- ids:
		default:
		}
	})

	select {
	case ids := <-done:
		if len(ids) != 1 || ids[0] != id {
			t.Errorf("sweeper callback ids = %v, want [%s]", ids, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweeper callback")
	}
}

func TestCountReflectsLiveSessions(t *testing.T) {
	st := NewStore()
	if st.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", st.Count())
	}
	st.Create("27539093")
	st.Create("27539093")
	if st.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", st.Count())
	}
}

func TestLookupDistinguishesNotFoundFromExpired(t *testing.T) {
	st := NewStore()
	if _, err := st.Lookup("NOSUCHID"); err != ErrNotFound {
		t.Errorf("Lookup(unknown) = %v, want ErrNotFound", err)
	}

	id, _, _ := st.Create("27539093")
	st.mu.Lock()
	st.sessions[id].ExpiresAt = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	if _, err := st.Lookup(id); err != ErrExpired {
		t.Errorf("Lookup(expired) = %v, want ErrExpired", err)
	}
}

func totpCodeNow(t *testing.T, secret string) string {
	t.Helper()
	code, err := auth.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt: %v", err)
	}
	return code
}
