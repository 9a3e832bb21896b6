package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wingthing-broker/agent/internal/auth"
	"github.com/wingthing-broker/agent/internal/ratelimit"
	"github.com/wingthing-broker/agent/internal/session"
	"github.com/wingthing-broker/agent/internal/store"
	"github.com/wingthing-broker/agent/internal/supervisor"
	"github.com/wingthing-broker/agent/internal/validator"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	hostID, err := auth.NewHostIdentity(t.TempDir())
	if err != nil {
		t.Fatalf("NewHostIdentity: %v", err)
	}
	v, err := validator.New("tool")
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	sup := supervisor.New(t.TempDir(), nil, nil, nil)
	hist, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	srv := New(&Server{
		Sessions:       session.NewStore(),
		HostID:         hostID,
		JWT:            auth.NewJWTIssuer("test-secret-at-least-32-bytes-long!!"),
		Validator:      v,
		Supervisor:     sup,
		RateLimit:      ratelimit.New(60, time.Minute, time.Hour),
		History:        hist,
		CORSOrigins:    []string{"*"},
		CLIBinary:      "tool",
		CommandTimeout: 2 * time.Second,
	})
	return srv, hostID.Current()
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateSessionWrongHostIDReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/auth/sessions", "", createSessionRequest{HostID: "99999999"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHappyPathAuthFlow(t *testing.T) {
	srv, hostID := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/auth/sessions", "", createSessionRequest{HostID: hostID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", rec.Code)
	}
	var created createSessionResponse
	mustDecode(t, rec, &created)

	code, err := auth.CodeAt(created.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt: %v", err)
	}
	rec = doJSON(t, srv, "POST", "/auth/sessions/"+created.SessionID+"/verify", "", verifySessionRequest{TOTPCode: code})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var verified verifySessionResponse
	mustDecode(t, rec, &verified)
	if verified.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	rec = doJSON(t, srv, "GET", "/auth/sessions/"+created.SessionID, verified.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session status = %d, want 200", rec.Code)
	}
	var got getSessionResponse
	mustDecode(t, rec, &got)
	if !got.Authenticated {
		t.Error("expected authenticated:true")
	}
}

func TestDangerousCommandIsRejectedWithoutSpawning(t *testing.T) {
	srv, hostID := newTestServer(t)
	token := createAndVerify(t, srv, hostID)

	rec := doJSON(t, srv, "POST", "/execute", token, executeRequest{Command: "rm -rf /"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp executeResponse
	mustDecode(t, rec, &resp)
	if resp.Success {
		t.Error("expected success:false for a dangerous command")
	}
	if resp.Error == "" {
		t.Error("expected a non-empty error describing the rejection")
	}
}

func TestExecuteRunsAndReturnsSynchronously(t *testing.T) {
	srv, hostID := newTestServer(t)
	token := createAndVerify(t, srv, hostID)

	rec := doJSON(t, srv, "POST", "/execute", token, executeRequest{Command: "echo hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp executeResponse
	mustDecode(t, rec, &resp)
	if !resp.Success {
		t.Errorf("expected success:true, got error=%q", resp.Error)
	}
}

func TestHistoryReturnsArchivedExecutionsForOwnSessionOnly(t *testing.T) {
	srv, hostID := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/auth/sessions", "", createSessionRequest{HostID: hostID})
	var created createSessionResponse
	mustDecode(t, rec, &created)
	code, err := auth.CodeAt(created.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt: %v", err)
	}
	rec = doJSON(t, srv, "POST", "/auth/sessions/"+created.SessionID+"/verify", "", verifySessionRequest{TOTPCode: code})
	var verified verifySessionResponse
	mustDecode(t, rec, &verified)

	if err := srv.History.RecordExecution(store.ExecutionRecord{
		ID:        "exec-1",
		SessionID: created.SessionID,
		Command:   "tool --print hello",
		State:     "completed",
		ExitCode:  0,
		StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := srv.History.RecordExecution(store.ExecutionRecord{
		ID:        "exec-other-session",
		SessionID: "some-other-session",
		Command:   "tool --print ignored",
		State:     "completed",
		ExitCode:  0,
		StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	rec = doJSON(t, srv, "GET", "/history", verified.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp historyResponse
	mustDecode(t, rec, &resp)
	if len(resp.Executions) != 1 {
		t.Fatalf("len(executions) = %d, want 1", len(resp.Executions))
	}
	if resp.Executions[0].ID != "exec-1" {
		t.Errorf("executions[0].ID = %q, want exec-1", resp.Executions[0].ID)
	}
}

func TestHistoryRejectsInvalidLimit(t *testing.T) {
	srv, hostID := newTestServer(t)
	token := createAndVerify(t, srv, hostID)

	rec := doJSON(t, srv, "GET", "/history?limit=-1", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExecuteWithoutTokenIsUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/execute", "", executeRequest{Command: "echo hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminEndpointsRejectNonLoopback(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/auth/setup", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdminEndpointsAllowLoopback(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/auth/setup", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func createAndVerify(t *testing.T, srv *Server, hostID string) string {
	t.Helper()
	rec := doJSON(t, srv, "POST", "/auth/sessions", "", createSessionRequest{HostID: hostID})
	var created createSessionResponse
	mustDecode(t, rec, &created)
	code, err := auth.CodeAt(created.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt: %v", err)
	}
	rec = doJSON(t, srv, "POST", "/auth/sessions/"+created.SessionID+"/verify", "", verifySessionRequest{TOTPCode: code})
	var verified verifySessionResponse
	mustDecode(t, rec, &verified)
	return verified.Token
}

func mustDecode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
}
