// Package httpapi implements the public HTTP Control Surface (C8):
// auth endpoints, synchronous command execution, cancellation, and
// status, wrapped in a fixed middleware stack (logging, CORS, body-size
// limit, structured error mapping, Bearer-JWT auth, rate limiting).
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wingthing-broker/agent/internal/apierr"
	"github.com/wingthing-broker/agent/internal/auth"
	"github.com/wingthing-broker/agent/internal/logger"
	"github.com/wingthing-broker/agent/internal/ratelimit"
	"github.com/wingthing-broker/agent/internal/session"
	"github.com/wingthing-broker/agent/internal/store"
	"github.com/wingthing-broker/agent/internal/supervisor"
	"github.com/wingthing-broker/agent/internal/validator"
)

const maxBodyBytes = 10 << 20 // 10MB

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	claimsKey
)

// Server is the composition root for the control surface: every
// dependency it touches is injected so the broker can wire it without
// import cycles.
type Server struct {
	Sessions   *session.Store
	HostID     *auth.HostIdentity
	JWT        *auth.JWTIssuer
	Validator  *validator.Validator
	Supervisor *supervisor.Supervisor
	RateLimit  *ratelimit.Limiter
	History    *store.Store

	CORSOrigins    []string
	CLIBinary      string
	CommandTimeout time.Duration

	startedAt time.Time
	mux       *http.ServeMux
}

// New constructs a Server and registers its routes.
func New(s *Server) *Server {
	s.startedAt = time.Now()
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.wrap(s.handleHealth))

	s.mux.HandleFunc("POST /auth/sessions", s.wrap(s.handleCreateSession))
	s.mux.HandleFunc("GET /auth/sessions/{id}", s.wrap(s.requireAuth(s.handleGetSession)))
	s.mux.HandleFunc("POST /auth/sessions/{id}/verify", s.wrap(s.handleVerifySession))
	s.mux.HandleFunc("POST /auth/sessions/{id}/refresh", s.wrap(s.requireAuth(s.handleRefreshSession)))
	s.mux.HandleFunc("DELETE /auth/sessions/{id}", s.wrap(s.handleDeleteSession))
	s.mux.HandleFunc("GET /auth/setup", s.wrap(s.localhostOnly(s.handleAuthSetup)))
	s.mux.HandleFunc("POST /auth/renew-host-id", s.wrap(s.localhostOnly(s.handleRenewHostID)))

	s.mux.HandleFunc("POST /execute", s.wrap(s.requireAuth(s.rateLimited(s.handleExecute))))
	s.mux.HandleFunc("POST /cancel", s.wrap(s.requireAuth(s.rateLimited(s.handleCancel))))
	s.mux.HandleFunc("GET /status", s.wrap(s.requireAuth(s.rateLimited(s.handleStatus))))
	s.mux.HandleFunc("GET /history", s.wrap(s.requireAuth(s.rateLimited(s.handleHistory))))
}

// ServeHTTP applies the outer middleware (logging/correlation-id, CORS,
// body-size limit) before dispatching into the route mux; the
// remaining stack (error mapping, auth, rate limiting) is applied
// per-route via wrap/requireAuth/rateLimited above.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.loggingMiddleware(s.corsMiddleware(s.bodyLimitMiddleware(s.mux))).ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := uuid.NewString()
		w.Header().Set("X-Correlation-Id", corrID)
		ctx := context.WithValue(r.Context(), correlationIDKey, corrID)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger.Log.With("correlation_id", corrID).Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// apiHandler is a handler that reports its own error for uniform
// mapping by wrap, rather than writing the response body directly.
type apiHandler func(w http.ResponseWriter, r *http.Request) error

// wrap is the structured error mapper: it runs h and, on error, writes
// the Kind-mapped JSON body instead of whatever h may have partially
// written.
func (s *Server) wrap(h apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			corrID, _ := r.Context().Value(correlationIDKey).(string)
			apierr.WriteJSON(w, err, corrID)
		}
	}
}

// requireAuth verifies the Bearer JWT, confirms the session it names
// is still live and authenticated, touches its activity, and attaches
// the claims to the request context for downstream handlers.
func (s *Server) requireAuth(next apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		token := bearerToken(r)
		if token == "" {
			return apierr.New(apierr.KindAuthentication, "missing bearer token")
		}
		claims, err := s.JWT.Verify(token)
		if err != nil {
			return apierr.Wrap(apierr.KindAuthentication, "invalid or expired token", err)
		}
		sess, lookupErr := s.Sessions.Lookup(claims.SessionID)
		if lookupErr == session.ErrNotFound {
			return apierr.New(apierr.KindNotFound, "session not found")
		}
		if lookupErr == session.ErrExpired {
			return apierr.New(apierr.KindGone, "session expired")
		}
		if !sess.Authenticated {
			return apierr.New(apierr.KindAuthentication, "session not authenticated")
		}
		s.Sessions.Touch(claims.SessionID)
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		return next(w, r.WithContext(ctx))
	}
}

// rateLimited enforces the per-session request quota. Must sit inside
// requireAuth so claims are available.
func (s *Server) rateLimited(next apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		claims, _ := r.Context().Value(claimsKey).(*auth.SessionClaims)
		if claims == nil {
			return apierr.New(apierr.KindAuthentication, "missing session claims")
		}
		if !s.RateLimit.Allow(claims.SessionID) {
			return apierr.New(apierr.KindRateLimit, "rate limit exceeded")
		}
		return next(w, r)
	}
}

// localhostOnly gates an admin endpoint to loopback callers.
func (s *Server) localhostOnly(next apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		if !isLoopback(r) {
			return apierr.New(apierr.KindAuthorization, "this endpoint is only reachable from localhost")
		}
		return next(w, r)
	}
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Wrap(apierr.KindValidation, "malformed request body", err)
	}
	return nil
}

func cliReachable(cliBinary string) bool {
	_, err := exec.LookPath(cliBinary)
	return err == nil
}
