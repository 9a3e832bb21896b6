// Package signaling implements the outbound Signalling Gateway (C5):
// a single long-lived connection to the external relay, reconnecting
// with exponential-backoff-plus-jitter, dispatching inbound signal
// messages to the peer registry, and buffering outbound sends.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/wingthing-broker/agent/internal/logger"
	"github.com/wingthing-broker/agent/internal/wire"
)

const (
	backoffBase       = 5 * time.Second
	backoffMax        = 60 * time.Second
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	readLimitBytes    = 1 << 20
	sendQueueCap      = 256
)

// Handlers dispatches inbound signalling messages by type.
type Handlers struct {
	OnOffer        func(msg wire.SignalMessage, payload wire.SDPPayload)
	OnAnswer       func(msg wire.SignalMessage, payload wire.SDPPayload)
	OnICECandidate func(msg wire.SignalMessage, payload wire.ICECandidatePayload)
}

// Client is the outbound relay connection for one agent process.
type Client struct {
	url      string
	hostID   string
	handlers Handlers

	mu      sync.Mutex
	conn    *websocket.Conn
	sendQ   []wire.SignalMessage
	connSig chan struct{}
}

// NewClient constructs a signalling client for relayURL, identifying
// this agent by hostID on registration.
func NewClient(relayURL, hostID string, handlers Handlers) *Client {
	return &Client{
		url:      relayURL,
		hostID:   hostID,
		handlers: handlers,
		connSig:  make(chan struct{}, 1),
	}
}

// Run connects and serves until ctx is cancelled, reconnecting on
// disconnect with exponential backoff and full jitter.
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff(backoffBase, backoffMax)
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("signalling connection lost, reconnecting", "error", err)

		delay := backoff.Next()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimitBytes)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	queued := c.sendQ
	c.sendQ = nil
	c.mu.Unlock()

	for _, msg := range queued {
		if err := c.writeJSON(ctx, msg); err != nil {
			return fmt.Errorf("flush queued send: %w", err)
		}
	}

	if err := c.writeJSON(ctx, wire.SignalMessage{
		Type:      "register-host",
		Timestamp: time.Now().UnixMilli(),
		Data:      mustMarshal(map[string]string{"hostId": c.hostID}),
	}); err != nil {
		return fmt.Errorf("register-host: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := wire.SignalMessage{Type: wire.SigTypeHeartbeat, Timestamp: time.Now().UnixMilli()}
			if err := c.writeJSON(ctx, hb); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var msg wire.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("signalling: malformed message", "error", err)
		return
	}
	switch msg.Type {
	case wire.SigTypeOffer:
		var payload wire.SDPPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.Warn("signalling: malformed offer", "error", err)
			return
		}
		if c.handlers.OnOffer != nil {
			c.handlers.OnOffer(msg, payload)
		}
	case wire.SigTypeAnswer:
		var payload wire.SDPPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.Warn("signalling: malformed answer", "error", err)
			return
		}
		if c.handlers.OnAnswer != nil {
			c.handlers.OnAnswer(msg, payload)
		}
	case wire.SigTypeICECandidate:
		var payload wire.ICECandidatePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.Warn("signalling: malformed ice-candidate", "error", err)
			return
		}
		if c.handlers.OnICECandidate != nil {
			c.handlers.OnICECandidate(msg, payload)
		}
	default:
		logger.Warn("signalling: unknown message type", "type", msg.Type)
	}
}

// Send enqueues msg for delivery. If the connection is currently down,
// it is buffered (bounded; oldest dropped on overflow) and flushed on
// reconnect.
func (c *Client) Send(ctx context.Context, msg wire.SignalMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.bufferForLater(msg)
		return nil
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		c.bufferForLater(msg)
		return err
	}
	return nil
}

func (c *Client) bufferForLater(msg wire.SignalMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendQ) >= sendQueueCap {
		logger.Warn("signalling send queue overflow, dropping oldest")
		c.sendQ = c.sendQ[1:]
	}
	c.sendQ = append(c.sendQ, msg)
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
