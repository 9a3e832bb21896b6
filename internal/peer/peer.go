// Package peer implements the peer-connection registry (C6): one
// WebRTC peer connection per session, its signalling state machine,
// and a bounded per-peer signal queue.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wingthing-broker/agent/internal/logger"
)

// State is a point in a Connection's signalling lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

const (
	signalQueueCap = 100
	offerTimeout   = 30 * time.Second
	reapIdleAfter  = 5 * time.Minute
)

// Connection is one session's peer record.
type Connection struct {
	PeerID        string
	SessionID     string
	State         State
	CreatedAt     time.Time
	LastActivity  time.Time
	LastHeartbeat time.Time
	SDP           string

	mu       sync.Mutex
	queue    []any
	pc       *webrtc.PeerConnection
	offerTTL *time.Timer
}

// enqueueSignal appends to the bounded signal queue, dropping the
// oldest entry with a warning on overflow.
func (c *Connection) enqueueSignal(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= signalQueueCap {
		logger.Warn("peer signal queue overflow, dropping oldest", "peer_id", c.PeerID, "session_id", c.SessionID)
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, msg)
}

// DrainSignals removes and returns every queued signal.
func (c *Connection) DrainSignals() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.queue
	c.queue = nil
	return drained
}

// DataChannelHandler is invoked when a new DataChannel opens for a
// connected peer.
type DataChannelHandler func(sessionID string, dc *webrtc.DataChannel)

// Registry manages one Connection per authenticated session.
type Registry struct {
	iceServers []webrtc.ICEServer
	dcHandler  DataChannelHandler

	mu    sync.RWMutex
	byID  map[string]*Connection // sessionID -> connection
}

// NewRegistry constructs a Registry using the given ICE server set
// (nil for host-only/same-LAN ICE).
func NewRegistry(iceServers []webrtc.ICEServer) *Registry {
	return &Registry{
		iceServers: iceServers,
		byID:       make(map[string]*Connection),
	}
}

// OnDataChannel registers the callback fired when a peer's DataChannel
// opens.
func (r *Registry) OnDataChannel(h DataChannelHandler) {
	r.mu.Lock()
	r.dcHandler = h
	r.mu.Unlock()
}

// HandleOffer allocates a peer slot for sessionID (only valid for an
// authenticated session; callers must check authorization before
// calling) and returns the answer SDP once ICE gathering completes.
func (r *Registry) HandleOffer(sessionID, peerID, sdpOffer string) (string, error) {
	config := webrtc.Configuration{ICEServers: r.iceServers}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	now := time.Now()
	conn := &Connection{
		PeerID:        peerID,
		SessionID:     sessionID,
		State:         StateConnecting,
		CreatedAt:     now,
		LastActivity:  now,
		LastHeartbeat: now,
		SDP:           sdpOffer,
		pc:            pc,
	}

	r.mu.Lock()
	if old, ok := r.byID[sessionID]; ok {
		old.mu.Lock()
		oldPC := old.pc
		old.mu.Unlock()
		if oldPC != nil {
			oldPC.Close()
		}
	}
	r.byID[sessionID] = conn
	r.mu.Unlock()

	conn.offerTTL = time.AfterFunc(offerTimeout, func() {
		r.markFailed(sessionID, "offer-timeout")
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			r.mu.RLock()
			handler := r.dcHandler
			r.mu.RUnlock()
			if handler != nil {
				handler(sessionID, dc)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			r.setState(sessionID, StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			r.setState(sessionID, StateDisconnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			r.setState(sessionID, StateFailed)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return local.SDP, nil
}

// HandleAnswer installs the answer SDP for a peer awaiting one and
// marks it connected.
func (r *Registry) HandleAnswer(sessionID, sdpAnswer string) error {
	conn, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("no peer awaiting offer for session %s", sessionID)
	}
	conn.mu.Lock()
	pc := conn.pc
	conn.SDP = sdpAnswer
	conn.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpAnswer}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	r.setState(sessionID, StateConnected)
	return nil
}

// HandleICECandidate appends an ICE candidate (or the nil
// end-of-candidates sentinel) to the peer's signal queue.
func (r *Registry) HandleICECandidate(sessionID string, candidate any) error {
	conn, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("no peer for session %s", sessionID)
	}
	conn.enqueueSignal(candidate)
	conn.mu.Lock()
	conn.LastActivity = time.Now()
	conn.mu.Unlock()
	return nil
}

// Get returns the peer connection record for sessionID.
func (r *Registry) Get(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[sessionID]
	return c, ok
}

// Remove tears down and forgets sessionID's peer connection.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	conn, ok := r.byID[sessionID]
	delete(r.byID, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	if conn.offerTTL != nil {
		conn.offerTTL.Stop()
	}
	pc := conn.pc
	conn.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

// Heartbeat records that sessionID's peer is still alive, resetting
// both its heartbeat and activity clocks.
func (r *Registry) Heartbeat(sessionID string) {
	r.mu.RLock()
	conn, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.LastHeartbeat = time.Now()
	conn.LastActivity = conn.LastHeartbeat
	conn.mu.Unlock()
}

// StaleHeartbeats returns the sessionIDs of connected peers that have
// gone silent for at least maxMissed consecutive heartbeat intervals.
// It only reports; callers decide how to cascade the termination.
func (r *Registry) StaleHeartbeats(interval time.Duration, maxMissed int) []string {
	cutoff := time.Now().Add(-time.Duration(maxMissed) * interval)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for sessionID, conn := range r.byID {
		conn.mu.Lock()
		connected := conn.State == StateConnected
		last := conn.LastHeartbeat
		conn.mu.Unlock()
		if connected && last.Before(cutoff) {
			stale = append(stale, sessionID)
		}
	}
	return stale
}

// ConnectedSessions returns the sessionIDs of every peer currently in
// StateConnected, for periodic tasks that only care about live peers
// (the latency probe).
func (r *Registry) ConnectedSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sessionID, conn := range r.byID {
		conn.mu.Lock()
		connected := conn.State == StateConnected
		conn.mu.Unlock()
		if connected {
			out = append(out, sessionID)
		}
	}
	return out
}

func (r *Registry) setState(sessionID string, state State) {
	r.mu.RLock()
	conn, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.State = state
	conn.LastActivity = time.Now()
	conn.mu.Unlock()
}

func (r *Registry) markFailed(sessionID, reason string) {
	r.mu.RLock()
	conn, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	alreadyConnected := conn.State == StateConnected
	if !alreadyConnected {
		conn.State = StateFailed
	}
	conn.mu.Unlock()
	if !alreadyConnected {
		logger.Warn("peer marked failed", "session_id", sessionID, "reason", reason)
	}
}

// Sweep removes peer connections whose state is terminal (failed,
// disconnected) or idle beyond five minutes, returning the removed
// session ids.
func (r *Registry) Sweep() []string {
	now := time.Now()
	r.mu.RLock()
	var toRemove []string
	for sessionID, conn := range r.byID {
		conn.mu.Lock()
		terminal := conn.State == StateFailed
		idle := now.Sub(conn.LastActivity) > reapIdleAfter
		conn.mu.Unlock()
		if terminal || idle {
			toRemove = append(toRemove, sessionID)
		}
	}
	r.mu.RUnlock()

	for _, sessionID := range toRemove {
		r.Remove(sessionID)
	}
	return toRemove
}

// StartSweeper runs Sweep every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration, onRemoved func([]string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := r.Sweep(); len(removed) > 0 && onRemoved != nil {
					onRemoved(removed)
				}
			}
		}
	}()
}
