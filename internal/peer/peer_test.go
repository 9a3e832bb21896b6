package peer

import (
	"context"
	"testing"
	"time"
)

func newTestConnection(sessionID string, state State, lastActivity time.Time) *Connection {
	return &Connection{
		PeerID:       "peer-1",
		SessionID:    sessionID,
		State:        state,
		CreatedAt:    time.Now(),
		LastActivity: lastActivity,
	}
}

func TestSignalQueueDropsOldestOnOverflow(t *testing.T) {
	conn := newTestConnection("s1", StateConnecting, time.Now())
	for i := 0; i < signalQueueCap+1; i++ {
		conn.enqueueSignal(i)
	}
	drained := conn.DrainSignals()
	if len(drained) != signalQueueCap {
		t.Fatalf("queue length = %d, want %d", len(drained), signalQueueCap)
	}
	if drained[0] != 1 {
		t.Errorf("oldest entry (0) should have been dropped, got first = %v", drained[0])
	}
	if drained[len(drained)-1] != signalQueueCap {
		t.Errorf("last entry = %v, want %d", drained[len(drained)-1], signalQueueCap)
	}
}

func TestDrainSignalsEmptiesQueue(t *testing.T) {
	conn := newTestConnection("s1", StateConnecting, time.Now())
	conn.enqueueSignal("a")
	conn.enqueueSignal("b")

	first := conn.DrainSignals()
	if len(first) != 2 {
		t.Fatalf("first drain length = %d, want 2", len(first))
	}
	second := conn.DrainSignals()
	if len(second) != 0 {
		t.Fatalf("second drain length = %d, want 0", len(second))
	}
}

func TestRegistrySweepRemovesIdleAndFailed(t *testing.T) {
	r := NewRegistry(nil)
	r.byID["idle"] = newTestConnection("idle", StateConnected, time.Now().Add(-10*time.Minute))
	r.byID["fresh"] = newTestConnection("fresh", StateConnected, time.Now())
	r.byID["failed"] = newTestConnection("failed", StateFailed, time.Now())

	removed := r.Sweep()
	removedSet := map[string]bool{}
	for _, id := range removed {
		removedSet[id] = true
	}
	if !removedSet["idle"] || !removedSet["failed"] {
		t.Errorf("Sweep() = %v, want idle and failed removed", removed)
	}
	if removedSet["fresh"] {
		t.Errorf("Sweep() removed fresh connection, want kept")
	}
	if _, ok := r.Get("idle"); ok {
		t.Error("idle connection should be gone from registry")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh connection should remain in registry")
	}
}

func TestStartSweeperInvokesCallback(t *testing.T) {
	r := NewRegistry(nil)
	r.byID["idle"] = newTestConnection("idle", StateConnected, time.Now().Add(-10*time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan []string, 1)
	r.StartSweeper(ctx, 10*time.Millisecond, func(ids []string) {
		select {
		case done <- ids:
		default:
		}
	})

	select {
	case ids := <-done:
		if len(ids) != 1 || ids[0] != "idle" {
			t.Errorf("sweeper callback ids = %v, want [idle]", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweeper callback")
	}
}

func TestHandleAnswerFailsWithoutExistingPeer(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.HandleAnswer("no-such-session", "sdp"); err == nil {
		t.Fatal("expected error when no peer is awaiting an offer")
	}
}

func TestHandleICECandidateFailsWithoutExistingPeer(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.HandleICECandidate("no-such-session", "candidate"); err == nil {
		t.Fatal("expected error when no peer exists for the session")
	}
}

func TestHeartbeatUpdatesLastHeartbeat(t *testing.T) {
	r := NewRegistry(nil)
	conn := newTestConnection("s1", StateConnected, time.Now())
	conn.LastHeartbeat = time.Now().Add(-time.Hour)
	r.byID["s1"] = conn

	r.Heartbeat("s1")

	if time.Since(conn.LastHeartbeat) > time.Second {
		t.Errorf("LastHeartbeat not refreshed: %v", conn.LastHeartbeat)
	}
}

func TestStaleHeartbeatsReportsOnlyConnectedAndOverdue(t *testing.T) {
	r := NewRegistry(nil)
	stale := newTestConnection("stale", StateConnected, time.Now())
	stale.LastHeartbeat = time.Now().Add(-time.Hour)
	fresh := newTestConnection("fresh", StateConnected, time.Now())
	fresh.LastHeartbeat = time.Now()
	connecting := newTestConnection("connecting", StateConnecting, time.Now())
	connecting.LastHeartbeat = time.Now().Add(-time.Hour)

	r.byID["stale"] = stale
	r.byID["fresh"] = fresh
	r.byID["connecting"] = connecting

	got := r.StaleHeartbeats(30*time.Second, 2)
	if len(got) != 1 || got[0] != "stale" {
		t.Errorf("StaleHeartbeats() = %v, want [stale]", got)
	}
}

func TestConnectedSessionsFiltersByState(t *testing.T) {
	r := NewRegistry(nil)
	r.byID["connected"] = newTestConnection("connected", StateConnected, time.Now())
	r.byID["connecting"] = newTestConnection("connecting", StateConnecting, time.Now())

	got := r.ConnectedSessions()
	if len(got) != 1 || got[0] != "connected" {
		t.Errorf("ConnectedSessions() = %v, want [connected]", got)
	}
}
