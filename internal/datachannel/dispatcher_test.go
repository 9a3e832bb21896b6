package datachannel

import "testing"

func TestSafeJoinRejectsTraversal(t *testing.T) {
	if _, err := safeJoin("/workspace", "../../etc/passwd"); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestSafeJoinAllowsNestedPath(t *testing.T) {
	got, err := safeJoin("/workspace", "project/notes.md")
	if err != nil {
		t.Fatalf("safeJoin: %v", err)
	}
	want := "/workspace/project/notes.md"
	if got != want {
		t.Errorf("safeJoin() = %q, want %q", got, want)
	}
}

func TestSafeJoinAllowsLeadingSlash(t *testing.T) {
	got, err := safeJoin("/workspace", "/notes.md")
	if err != nil {
		t.Fatalf("safeJoin: %v", err)
	}
	if got != "/workspace/notes.md" {
		t.Errorf("safeJoin() = %q", got)
	}
}

func TestSafeJoinRejectsAbsoluteEscape(t *testing.T) {
	if _, err := safeJoin("/workspace", "../etc/shadow"); err == nil {
		t.Fatal("expected traversal via single-level .. to be rejected")
	}
}
