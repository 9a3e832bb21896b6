// Package broker is the composition root: it wires the session store,
// auth, validator, supervisor, peer registry, signalling client, HTTP
// control surface, rate limiter, execution history, and scheduler
// together, and runs them until the process is asked to shut down.
package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wingthing-broker/agent/internal/auth"
	"github.com/wingthing-broker/agent/internal/config"
	"github.com/wingthing-broker/agent/internal/datachannel"
	"github.com/wingthing-broker/agent/internal/httpapi"
	"github.com/wingthing-broker/agent/internal/logger"
	"github.com/wingthing-broker/agent/internal/peer"
	"github.com/wingthing-broker/agent/internal/ratelimit"
	"github.com/wingthing-broker/agent/internal/scheduler"
	"github.com/wingthing-broker/agent/internal/session"
	"github.com/wingthing-broker/agent/internal/signaling"
	"github.com/wingthing-broker/agent/internal/store"
	"github.com/wingthing-broker/agent/internal/supervisor"
	"github.com/wingthing-broker/agent/internal/validator"
	"github.com/wingthing-broker/agent/internal/wire"
)

const (
	sessionSweepInterval = 60 * time.Second
	peerSweepInterval    = 60 * time.Second
	latencyProbeInterval = 5 * time.Second
	heartbeatInterval    = 30 * time.Second
	heartbeatMaxMissed   = 2
	rateLimitIdleTTL     = 10 * time.Minute
	shutdownGracePeriod  = 2 * time.Second
)

// Broker owns every subsystem and the sessionID-to-DataChannel map
// that ties them together at runtime.
type Broker struct {
	Config     *config.Config
	HostID     *auth.HostIdentity
	JWT        *auth.JWTIssuer
	Sessions   *session.Store
	Validator  *validator.Validator
	Supervisor *supervisor.Supervisor
	Peers      *peer.Registry
	Signaling  *signaling.Client
	HTTP       *httpapi.Server
	RateLimit  *ratelimit.Limiter
	History    *store.Store
	Scheduler  *scheduler.Scheduler

	httpServer *http.Server

	mu       sync.RWMutex
	channels map[string]*datachannel.Channel
}

// New builds every subsystem from cfg and wires their callbacks
// together, but does not start anything running yet.
func New(cfg *config.Config) (*Broker, error) {
	hostID, err := auth.NewHostIdentity(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("host identity: %w", err)
	}

	history, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open execution history: %w", err)
	}

	v, err := validator.New(cfg.CLIBinary)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}

	b := &Broker{
		Config:    cfg,
		HostID:    hostID,
		JWT:       auth.NewJWTIssuer(cfg.JWTSecret),
		Sessions:  session.NewStore(),
		Validator: v,
		Peers:     peer.NewRegistry(iceServers(cfg.ICEServers)),
		RateLimit: ratelimit.New(cfg.RateLimitMaxRequests, cfg.RateLimitWindow, rateLimitIdleTTL),
		History:   history,
		channels:  make(map[string]*datachannel.Channel),
	}

	b.Supervisor = supervisor.New(cfg.WorkspaceDir, nil, b.onOutput, b.onStatus)

	b.Peers.OnDataChannel(b.onDataChannel)

	b.Signaling = signaling.NewClient(cfg.SignalingServerURL, hostID.Current(), signaling.Handlers{
		OnOffer:        b.onSignalOffer,
		OnICECandidate: b.onSignalICECandidate,
	})

	b.HTTP = httpapi.New(&httpapi.Server{
		Sessions:       b.Sessions,
		HostID:         b.HostID,
		JWT:            b.JWT,
		Validator:      b.Validator,
		Supervisor:     b.Supervisor,
		RateLimit:      b.RateLimit,
		History:        b.History,
		CORSOrigins:    cfg.CORSOrigins,
		CLIBinary:      cfg.CLIBinary,
		CommandTimeout: cfg.CommandTimeout,
	})

	b.Scheduler = scheduler.New(b.tasks()...)

	hostID.Watch(b.onHostIDRotated)

	return b, nil
}

func iceServers(cfgServers []config.ICEServer) []webrtc.ICEServer {
	if len(cfgServers) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, len(cfgServers))
	for i, s := range cfgServers {
		out[i] = webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	}
	return out
}

// Run starts every subsystem and blocks until ctx is cancelled or a
// subsystem fails.
func (b *Broker) Run(ctx context.Context) error {
	defer b.History.Close()
	defer b.HostID.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.Scheduler.Start(ctx)

	errCh := make(chan error, 2)

	go func() {
		logger.Info("signalling client starting", "url", b.Config.SignalingServerURL)
		errCh <- b.Signaling.Run(ctx)
	}()

	b.httpServer = &http.Server{Addr: b.Config.BindAddr, Handler: b.HTTP}
	go func() {
		logger.Info("http control surface listening", "addr", b.Config.BindAddr)
		ln, err := net.Listen("tcp", b.Config.BindAddr)
		if err != nil {
			errCh <- fmt.Errorf("listen %s: %w", b.Config.BindAddr, err)
			return
		}
		errCh <- b.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		b.shutdownHTTP()
		return nil
	case err := <-errCh:
		cancel()
		b.shutdownHTTP()
		if err != nil && err != context.Canceled && err != http.ErrServerClosed {
			return fmt.Errorf("broker subsystem failed: %w", err)
		}
		return nil
	}
}

func (b *Broker) shutdownHTTP() {
	if b.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := b.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
}

func (b *Broker) getChannel(sessionID string) (*datachannel.Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[sessionID]
	return ch, ok
}

func (b *Broker) setChannel(sessionID string, ch *datachannel.Channel) {
	b.mu.Lock()
	b.channels[sessionID] = ch
	b.mu.Unlock()
}

func (b *Broker) removeChannel(sessionID string) {
	b.mu.Lock()
	delete(b.channels, sessionID)
	b.mu.Unlock()
}

// onDataChannel wraps a freshly-opened peer DataChannel for sessionID,
// wiring it to the shared supervisor and validator, and remembering it
// so command output, the latency probe, and RemoveSession's cascade can
// all find it again by sessionID.
func (b *Broker) onDataChannel(sessionID string, dc *webrtc.DataChannel) {
	ch := datachannel.NewChannel(sessionID, dc, b.Supervisor, b.Validator, b.Config.WorkspaceDir, b.Config.CommandTimeout, b.onPeerHeartbeat)
	b.setChannel(sessionID, ch)
	dc.OnClose(func() {
		b.removeChannel(sessionID)
	})
}

func (b *Broker) onPeerHeartbeat(sessionID string) {
	b.Peers.Heartbeat(sessionID)
}

// onOutput streams a running execution's stdout/stderr chunk to its
// session's data channel, if one is currently open. The HTTP control
// surface's synchronous /execute path never touches this path.
func (b *Broker) onOutput(chunk supervisor.OutputChunk) {
	ch, ok := b.getChannel(chunk.SessionID)
	if !ok {
		return
	}
	ch.SendOutput(chunk.ExecutionID, chunk.Stream, chunk.Bytes)
}

// onStatus is the supervisor's terminal/transition callback: it
// streams the status over the data channel (if any) and archives a
// durable record of the execution.
func (b *Broker) onStatus(e *supervisor.Execution) {
	snap := e.Snapshot()

	if ch, ok := b.getChannel(snap.SessionID); ok {
		var exitCode *int
		if !snap.EndedAt.IsZero() {
			ec := snap.ExitCode
			exitCode = &ec
		}
		ch.SendStatus(snap.ID, string(snap.State), exitCode, snap.Err)
	}

	var endedAt *time.Time
	if !snap.EndedAt.IsZero() {
		endedAt = &snap.EndedAt
	}
	if err := b.History.RecordExecution(store.ExecutionRecord{
		ID:        snap.ID,
		SessionID: snap.SessionID,
		Command:   snap.Command,
		State:     string(snap.State),
		ExitCode:  snap.ExitCode,
		Error:     snap.Err,
		StartedAt: snap.StartedAt,
		EndedAt:   endedAt,
	}); err != nil {
		logger.Warn("failed to archive execution history", "execution_id", snap.ID, "error", err)
	}
}

// onSignalOffer handles an inbound offer relayed for one of our
// sessions: it only proceeds for sessions the local auth layer already
// authenticated, so an attacker controlling (or spoofing) the relay
// cannot open a peer connection against an unauthenticated session id.
func (b *Broker) onSignalOffer(msg wire.SignalMessage, payload wire.SDPPayload) {
	if !b.Sessions.Authenticated(msg.SessionID) {
		logger.Warn("dropping offer for unauthenticated session", "session_id", msg.SessionID)
		return
	}
	answer, err := b.Peers.HandleOffer(msg.SessionID, msg.ClientID, payload.SDP)
	if err != nil {
		logger.Warn("failed to handle offer", "session_id", msg.SessionID, "error", err)
		return
	}
	data := mustMarshalSDP(answer)
	_ = b.Signaling.Send(context.Background(), wire.SignalMessage{
		Type:      wire.SigTypeAnswer,
		SessionID: msg.SessionID,
		ClientID:  msg.ClientID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

func (b *Broker) onSignalICECandidate(msg wire.SignalMessage, payload wire.ICECandidatePayload) {
	if err := b.Peers.HandleICECandidate(msg.SessionID, payload); err != nil {
		logger.Warn("failed to queue ice candidate", "session_id", msg.SessionID, "error", err)
	}
}

// onHostIDRotated tears down every live session, peer connection, and
// execution, since rotating the Host-ID invalidates every credential
// minted against the old one.
func (b *Broker) onHostIDRotated(newHostID string) {
	logger.Warn("host id rotated, invalidating all sessions", "new_host_id", newHostID)
	for _, sessionID := range b.Sessions.RemoveAll() {
		b.cascadeRemoveSession(sessionID)
	}
}

// cascadeRemoveSession tears down everything keyed by sessionID, in
// the fixed order session -> peer -> execution -> history, so a
// partial failure always leaves the least-authoritative state (history)
// behind rather than the most (the session's own authentication).
func (b *Broker) cascadeRemoveSession(sessionID string) {
	b.Peers.Remove(sessionID)
	b.removeChannel(sessionID)
	_ = b.Supervisor.Cancel(sessionID)
	b.Supervisor.RemoveSession(sessionID)
	b.RateLimit.Remove(sessionID)
	if err := b.History.RemoveSession(sessionID); err != nil {
		logger.Warn("failed to remove session history", "session_id", sessionID, "error", err)
	}
}
