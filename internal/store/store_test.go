package store

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListExecutions(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	if err := s.RecordExecution(ExecutionRecord{
		ID: "exec-1", SessionID: "sess-1", Command: "echo hi",
		State: "running", ExitCode: 0, StartedAt: now,
	}); err != nil {
		t.Fatalf("RecordExecution (insert): %v", err)
	}

	ended := now.Add(2 * time.Second)
	if err := s.RecordExecution(ExecutionRecord{
		ID: "exec-1", SessionID: "sess-1", Command: "echo hi",
		State: "completed", ExitCode: 0, StartedAt: now, EndedAt: &ended,
	}); err != nil {
		t.Fatalf("RecordExecution (update): %v", err)
	}

	got, err := s.ListExecutions("sess-1", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].State != "completed" {
		t.Errorf("State = %q, want completed", got[0].State)
	}
	if got[0].EndedAt == nil || !got[0].EndedAt.Equal(ended) {
		t.Errorf("EndedAt = %v, want %v", got[0].EndedAt, ended)
	}
}

func TestHistoryTrimmedToMaxPerSession(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	for i := 0; i < maxPerSession+10; i++ {
		err := s.RecordExecution(ExecutionRecord{
			ID:        fmt.Sprintf("exec-%d", i),
			SessionID: "sess-1",
			Command:   "echo hi",
			State:     "completed",
			StartedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordExecution %d: %v", i, err)
		}
	}

	got, err := s.ListExecutions("sess-1", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != maxPerSession {
		t.Fatalf("len(got) = %d, want %d", len(got), maxPerSession)
	}
	// Most recent first: the newest inserted row should be exec-(N-1).
	if got[0].ID != fmt.Sprintf("exec-%d", maxPerSession+9) {
		t.Errorf("got[0].ID = %q, want most recent", got[0].ID)
	}
}

func TestRemoveSessionDropsItsExecutions(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordExecution(ExecutionRecord{
		ID: "exec-1", SessionID: "sess-1", Command: "echo hi",
		State: "completed", StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := s.RemoveSession("sess-1"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	got, err := s.ListExecutions("sess-1", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0 after RemoveSession", len(got))
	}
}
