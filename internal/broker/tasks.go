package broker

import (
	"context"
	"encoding/json"

	"github.com/wingthing-broker/agent/internal/logger"
	"github.com/wingthing-broker/agent/internal/scheduler"
	"github.com/wingthing-broker/agent/internal/wire"
)

// tasks builds the four periodic maintenance jobs the daemon runs for
// the lifetime of the process.
func (b *Broker) tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: "session-sweep", Interval: sessionSweepInterval, Run: b.sweepSessions},
		{Name: "peer-sweep", Interval: peerSweepInterval, Run: b.sweepPeers},
		{Name: "latency-probe", Interval: latencyProbeInterval, Run: b.probeLatency},
		{Name: "heartbeat-check", Interval: heartbeatInterval, Run: b.checkHeartbeats},
	}
}

// sweepSessions expires idle/expired sessions and cascades their
// removal through the peer registry, supervisor, rate limiter, and
// execution history.
func (b *Broker) sweepSessions(ctx context.Context) {
	for _, sessionID := range b.Sessions.Sweep() {
		logger.Info("session expired, cascading removal", "session_id", sessionID)
		b.cascadeRemoveSession(sessionID)
	}
}

// sweepPeers removes failed or idle peer connections. A peer sweep
// never implies its session is gone too: a client can still
// reconnect with a fresh offer against the same authenticated session.
func (b *Broker) sweepPeers(ctx context.Context) {
	for _, sessionID := range b.Peers.Sweep() {
		logger.Info("peer connection reaped", "session_id", sessionID)
		b.removeChannel(sessionID)
	}
}

// probeLatency sends a server-initiated ping over every connected
// peer's data channel, skipping any channel already paused behind
// back-pressure so the probe itself never makes congestion worse.
func (b *Broker) probeLatency(ctx context.Context) {
	for _, sessionID := range b.Peers.ConnectedSessions() {
		ch, ok := b.getChannel(sessionID)
		if !ok {
			continue
		}
		if ch.BufferedAmount() > 0 {
			continue
		}
		ch.Ping()
	}
}

// checkHeartbeats terminates peers that have missed heartbeatMaxMissed
// consecutive heartbeat intervals, cascading the same way an explicit
// session removal would.
func (b *Broker) checkHeartbeats(ctx context.Context) {
	for _, sessionID := range b.Peers.StaleHeartbeats(heartbeatInterval, heartbeatMaxMissed) {
		logger.Warn("peer missed heartbeats, terminating", "session_id", sessionID)
		b.Peers.Remove(sessionID)
		b.removeChannel(sessionID)
	}
}

func mustMarshalSDP(answerSDP string) json.RawMessage {
	data, _ := json.Marshal(wire.SDPPayload{SDP: answerSDP})
	return data
}
