package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/wingthing-broker/agent/internal/apierr"
	"github.com/wingthing-broker/agent/internal/auth"
	"github.com/wingthing-broker/agent/internal/session"
	"github.com/wingthing-broker/agent/internal/supervisor"
)

type healthResponse struct {
	Status         string `json:"status"`
	CLIReachable   bool   `json:"cliReachable"`
	ActiveSessions int    `json:"activeSessions"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		CLIReachable:   cliReachable(s.CLIBinary),
		ActiveSessions: s.Sessions.Count(),
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
	})
	return nil
}

type createSessionRequest struct {
	HostID string `json:"hostId"`
}

type createSessionResponse struct {
	SessionID  string `json:"sessionId"`
	TOTPSecret string `json:"totpSecret"`
	Message    string `json:"message"`
}

// handleCreateSession never reveals whether a given Host-ID exists;
// a mismatch is reported identically to any other 404.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) error {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.HostID == "" || !s.HostID.Matches(req.HostID) {
		return apierr.New(apierr.KindNotFound, "no such host")
	}

	id, secret, err := s.Sessions.Create(req.HostID)
	if err != nil {
		return apierr.Wrap(apierr.KindFatal, "failed to create session", err)
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:  id,
		TOTPSecret: secret,
		Message:    "scan or enter this secret in your authenticator app, then verify",
	})
	return nil
}

type getSessionResponse struct {
	SessionID     string `json:"sessionId"`
	Authenticated bool   `json:"authenticated"`
	ExpiresAt     string `json:"expiresAt"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	sess, err := s.lookupPathSession(r, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, getSessionResponse{
		SessionID:     sess.ID,
		Authenticated: sess.Authenticated,
		ExpiresAt:     sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return nil
}

type verifySessionRequest struct {
	TOTPCode string `json:"totpCode"`
}

type verifySessionResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleVerifySession(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	sess, err := s.lookupSessionByID(id)
	if err != nil {
		return err
	}

	var req verifySessionRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if !s.Sessions.Verify(id, req.TOTPCode) {
		return apierr.New(apierr.KindAuthentication, "invalid TOTP code")
	}

	token, err := s.JWT.Issue(sess.ID, sess.HostID, sess.ExpiresAt)
	if err != nil {
		return apierr.Wrap(apierr.KindFatal, "failed to mint token", err)
	}
	writeJSON(w, http.StatusOK, verifySessionResponse{Token: token})
	return nil
}

type refreshSessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if err := s.requirePathMatchesClaims(r, id); err != nil {
		return err
	}

	newExpiry, err := s.Sessions.Refresh(id)
	if err != nil {
		return apierr.Wrap(apierr.KindAuthentication, "session cannot be refreshed", err)
	}
	sess, lookupErr := s.Sessions.Lookup(id)
	if lookupErr != nil {
		return apierr.Wrap(apierr.KindFatal, "session vanished during refresh", lookupErr)
	}

	token, err := s.JWT.Issue(sess.ID, sess.HostID, newExpiry)
	if err != nil {
		return apierr.Wrap(apierr.KindFatal, "failed to mint token", err)
	}
	writeJSON(w, http.StatusOK, refreshSessionResponse{
		Token:     token,
		ExpiresAt: newExpiry.UTC().Format(time.RFC3339),
	})
	return nil
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	s.Sessions.Remove(id)
	s.Supervisor.RemoveSession(id)
	s.RateLimit.Remove(id)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type authSetupResponse struct {
	HostID          string `json:"hostId"`
	SessionID       string `json:"sessionId"`
	TOTPSecret      string `json:"totpSecret"`
	ProvisioningURI string `json:"provisioningUri"`
}

// handleAuthSetup is the physical-access enrolment path: it allocates a
// fresh pending session exactly as POST /auth/sessions would, but skips
// the Host-ID round trip since the caller is already proven local.
func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) error {
	hostID := s.HostID.Current()
	id, secret, err := s.Sessions.Create(hostID)
	if err != nil {
		return apierr.Wrap(apierr.KindFatal, "failed to create setup session", err)
	}
	writeJSON(w, http.StatusOK, authSetupResponse{
		HostID:          hostID,
		SessionID:       id,
		TOTPSecret:      secret,
		ProvisioningURI: auth.ProvisioningURI("wingthing-agent", hostID, secret),
	})
	return nil
}

type renewHostIDResponse struct {
	HostID           string `json:"hostId"`
	SessionsRevoked  int    `json:"sessionsRevoked"`
}

func (s *Server) handleRenewHostID(w http.ResponseWriter, r *http.Request) error {
	newID, err := s.HostID.Rotate()
	if err != nil {
		return apierr.Wrap(apierr.KindFatal, "failed to rotate host id", err)
	}
	removed := s.Sessions.RemoveAll()
	for _, id := range removed {
		s.Supervisor.RemoveSession(id)
		s.RateLimit.Remove(id)
	}
	writeJSON(w, http.StatusOK, renewHostIDResponse{HostID: newID, SessionsRevoked: len(removed)})
	return nil
}

type executeRequest struct {
	Command string `json:"command"`
}

type executeResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) error {
	claims := claimsFromContext(r.Context())

	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	canonical, err := s.Validator.Validate(req.Command)
	if err != nil {
		writeJSON(w, http.StatusOK, executeResponse{Success: false, Error: err.Error()})
		return nil
	}

	ex, err := s.Supervisor.Run(claims.SessionID, canonical, s.CommandTimeout)
	if err != nil {
		if err == supervisor.ErrBusy {
			return apierr.New(apierr.KindBusy, "a command is already running for this session")
		}
		return apierr.Wrap(apierr.KindChildProcess, "failed to start command", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.CommandTimeout+5*time.Second)
	defer cancel()
	if err := ex.Wait(ctx); err != nil {
		return apierr.Wrap(apierr.KindTimeout, "execution did not finish in time", err)
	}

	snap := ex.Snapshot()
	resp := executeResponse{Success: snap.State == supervisor.StateCompleted && snap.ExitCode == 0}
	if snap.State != supervisor.StateCompleted {
		resp.Error = string(snap.State)
		if snap.Err != "" {
			resp.Error = snap.Err
		}
	}
	exitCode := snap.ExitCode
	resp.ExitCode = &exitCode
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) error {
	claims := claimsFromContext(r.Context())
	if err := s.Supervisor.Cancel(claims.SessionID); err != nil {
		return apierr.Wrap(apierr.KindFatal, "failed to cancel execution", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type statusResponse struct {
	Running bool    `json:"running"`
	ID      string  `json:"id,omitempty"`
	Command string  `json:"command,omitempty"`
	State   string  `json:"state,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	claims := claimsFromContext(r.Context())
	ex, ok := s.Supervisor.Current(claims.SessionID)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Running: false})
		return nil
	}
	snap := ex.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Running: true,
		ID:      snap.ID,
		Command: snap.Command,
		State:   string(snap.State),
	})
	return nil
}

type historyEntry struct {
	ID        string  `json:"id"`
	Command   string  `json:"command"`
	State     string  `json:"state"`
	ExitCode  int     `json:"exitCode"`
	Error     string  `json:"error,omitempty"`
	StartedAt string  `json:"startedAt"`
	EndedAt   *string `json:"endedAt,omitempty"`
}

type historyResponse struct {
	Executions []historyEntry `json:"executions"`
}

// handleHistory returns the caller's own session's archived execution
// history, most recent first. The limit query param caps the page
// size; it is clamped to the store's own per-session retention bound.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) error {
	claims := claimsFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return apierr.New(apierr.KindValidation, "limit must be a non-negative integer")
		}
		limit = parsed
	}

	records, err := s.History.ListExecutions(claims.SessionID, limit)
	if err != nil {
		return apierr.Wrap(apierr.KindFatal, "failed to load execution history", err)
	}

	resp := historyResponse{Executions: make([]historyEntry, len(records))}
	for i, rec := range records {
		entry := historyEntry{
			ID:        rec.ID,
			Command:   rec.Command,
			State:     rec.State,
			ExitCode:  rec.ExitCode,
			Error:     rec.Error,
			StartedAt: rec.StartedAt.Format(time.RFC3339),
		}
		if rec.EndedAt != nil {
			formatted := rec.EndedAt.Format(time.RFC3339)
			entry.EndedAt = &formatted
		}
		resp.Executions[i] = entry
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func claimsFromContext(ctx context.Context) *auth.SessionClaims {
	claims, _ := ctx.Value(claimsKey).(*auth.SessionClaims)
	return claims
}

// lookupPathSession resolves {id} for an authenticated route, requiring
// the caller's own JWT to name the same session (no cross-session
// inspection).
func (s *Server) lookupPathSession(r *http.Request, id string) (*session.Session, error) {
	if err := s.requirePathMatchesClaims(r, id); err != nil {
		return nil, err
	}
	return s.lookupSessionByID(id)
}

func (s *Server) requirePathMatchesClaims(r *http.Request, id string) error {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.SessionID != id {
		return apierr.New(apierr.KindAuthorization, "token does not grant access to this session")
	}
	return nil
}

func (s *Server) lookupSessionByID(id string) (*session.Session, error) {
	sess, err := s.Sessions.Lookup(id)
	switch err {
	case nil:
		return sess, nil
	case session.ErrNotFound:
		return nil, apierr.New(apierr.KindNotFound, "session not found")
	case session.ErrExpired:
		return nil, apierr.New(apierr.KindGone, "session expired")
	default:
		return nil, apierr.Wrap(apierr.KindFatal, "failed to look up session", err)
	}
}
