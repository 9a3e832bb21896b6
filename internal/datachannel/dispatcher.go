// Package datachannel implements the Data-Channel Dispatcher (C7):
// inbound command/ping/file-upload handling and outbound
// output/status/pong framing over a connected WebRTC DataChannel, with
// back-pressure pausing on a full send buffer.
package datachannel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wingthing-broker/agent/internal/apierr"
	"github.com/wingthing-broker/agent/internal/logger"
	"github.com/wingthing-broker/agent/internal/supervisor"
	"github.com/wingthing-broker/agent/internal/validator"
	"github.com/wingthing-broker/agent/internal/wire"
)

const (
	highWaterMark  = 16 * 1024 * 1024 // 16MB
	lowWaterMark   = 4 * 1024 * 1024
)

// Runner is the subset of *supervisor.Supervisor the dispatcher needs.
type Runner interface {
	Run(sessionID, canonicalCommand string, timeout time.Duration) (*supervisor.Execution, error)
}

// Channel wraps one session's connected DataChannel: outbound framing,
// back-pressure, and dispatch of inbound command/ping/file-upload
// messages.
type Channel struct {
	sessionID      string
	dc             *webrtc.DataChannel
	supervisor     Runner
	validator      *validator.Validator
	workspaceDir   string
	commandTimeout time.Duration
	onHeartbeat    func(sessionID string)

	mu     sync.Mutex
	paused bool
	queued [][]byte
}

// NewChannel wraps dc for sessionID, wiring back-pressure callbacks.
// onHeartbeat, if non-nil, is invoked every time the peer sends a ping
// frame, so the scheduler's heartbeat check can tell a live peer from
// a stalled one.
func NewChannel(sessionID string, dc *webrtc.DataChannel, sup Runner, v *validator.Validator, workspaceDir string, commandTimeout time.Duration, onHeartbeat func(sessionID string)) *Channel {
	c := &Channel{
		sessionID:      sessionID,
		dc:             dc,
		supervisor:     sup,
		validator:      v,
		workspaceDir:   workspaceDir,
		commandTimeout: commandTimeout,
		onHeartbeat:    onHeartbeat,
	}

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		c.mu.Lock()
		c.paused = false
		queued := c.queued
		c.queued = nil
		c.mu.Unlock()
		for _, frame := range queued {
			_ = dc.Send(frame)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleInbound(msg.Data)
	})

	return c
}

func (c *Channel) handleInbound(raw []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warn("datachannel: malformed envelope", "session_id", c.sessionID, "error", err)
		return
	}

	switch env.Type {
	case wire.TypeCommand:
		c.handleCommand(env)
	case wire.TypePing:
		c.handlePing(env)
	case wire.TypeFileUpload:
		c.handleFileUpload(env)
	default:
		c.sendError(env.ID, apierr.New(apierr.KindValidation, fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

func (c *Channel) handleCommand(env wire.Envelope) {
	var payload wire.CommandPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		c.sendError(env.ID, apierr.New(apierr.KindValidation, "malformed command payload"))
		return
	}

	canonical, err := c.validator.Validate(payload.Command)
	if err != nil {
		c.sendStatus(env.ID, "failed", nil, err.Error())
		return
	}

	execution, err := c.supervisor.Run(c.sessionID, canonical, c.commandTimeout)
	if err != nil {
		if err == supervisor.ErrBusy {
			c.sendError(env.ID, apierr.New(apierr.KindBusy, "a command is already running for this session"))
			return
		}
		c.sendError(env.ID, apierr.Wrap(apierr.KindChildProcess, "failed to start command", err))
		return
	}
	c.sendStatus(execution.ID, string(supervisor.StateRunning), nil, "")
}

func (c *Channel) handlePing(env wire.Envelope) {
	var payload struct {
		Timestamp int64 `json:"timestamp"`
	}
	_ = json.Unmarshal(env.Data, &payload)

	if c.onHeartbeat != nil {
		c.onHeartbeat(c.sessionID)
	}

	pong := wire.PongPayload{Timestamp: payload.Timestamp, ServerTimestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(pong)
	c.send(wire.Envelope{Type: wire.TypePong, ID: env.ID, Timestamp: time.Now().UnixMilli(), Data: data})
}

// Ping sends a server-initiated latency probe. Unlike handlePing's
// reply-to-client pong, this frame expects no response tracking here.
// The round trip simply keeps the data channel's congestion window
// warm and gives the client a timestamp to measure against.
func (c *Channel) Ping() {
	payload, _ := json.Marshal(struct {
		Timestamp int64 `json:"timestamp"`
	}{Timestamp: time.Now().UnixMilli()})
	c.send(wire.Envelope{Type: wire.TypePing, ID: uuid.NewString(), Timestamp: time.Now().UnixMilli(), Data: payload})
}

// BufferedAmount reports the DataChannel's outbound send-buffer size,
// so the latency probe can skip peers already under back-pressure.
func (c *Channel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *Channel) handleFileUpload(env wire.Envelope) {
	var payload wire.FileUploadPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		c.sendStatus(env.ID, "failed", nil, "malformed file upload payload")
		return
	}

	safePath, err := safeJoin(c.workspaceDir, payload.Path)
	if err != nil {
		c.sendStatus(env.ID, "failed", nil, err.Error())
		return
	}

	content, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		c.sendStatus(env.ID, "failed", nil, "invalid base64 content")
		return
	}

	if err := os.MkdirAll(filepath.Dir(safePath), 0o755); err != nil {
		c.sendStatus(env.ID, "failed", nil, err.Error())
		return
	}
	if err := os.WriteFile(safePath, content, 0o644); err != nil {
		c.sendStatus(env.ID, "failed", nil, err.Error())
		return
	}
	c.sendStatus(env.ID, "stored", nil, "")
}

// safeJoin resolves name under root, rejecting any path that would
// escape the workspace via ".." traversal.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean("/" + name) // rooted so ".." can't climb above root
	full := filepath.Join(root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(root)+string(os.PathSeparator)) && full != filepath.Clean(root) {
		return "", fmt.Errorf("path escapes workspace: %q", name)
	}
	return full, nil
}

// SendOutput frames one stdout/stderr chunk as an outbound output
// message, scrubbing it through the validator's redaction rules first
// so secrets never leave the agent process.
func (c *Channel) SendOutput(executionID, stream string, chunk []byte) {
	redacted := c.validator.Redact(chunk)
	payload, _ := json.Marshal(wire.OutputPayload{ExecutionID: executionID, Stream: stream, Chunk: string(redacted)})
	c.send(wire.Envelope{Type: wire.TypeOutput, ID: uuid.NewString(), Timestamp: time.Now().UnixMilli(), Data: payload})
}

// SendStatus frames an execution status transition as an outbound
// status message.
func (c *Channel) SendStatus(executionID, state string, exitCode *int, errMsg string) {
	c.sendStatus(executionID, state, exitCode, errMsg)
}

func (c *Channel) sendStatus(executionID, state string, exitCode *int, errMsg string) {
	payload, _ := json.Marshal(wire.StatusPayload{ExecutionID: executionID, State: state, ExitCode: exitCode, Error: errMsg})
	c.send(wire.Envelope{Type: wire.TypeStatus, ID: uuid.NewString(), Timestamp: time.Now().UnixMilli(), Data: payload})
}

func (c *Channel) sendError(id string, err *apierr.Error) {
	payload, _ := json.Marshal(wire.ErrorPayload{Kind: string(err.Kind), Message: err.Message})
	c.send(wire.Envelope{Type: wire.TypeError, ID: id, Timestamp: time.Now().UnixMilli(), Data: payload})
}

// send frames and transmits env, pausing output behind back-pressure
// if the channel's send buffer is above the high-water mark. The
// child process itself is never paused, only outbound streaming.
func (c *Channel) send(env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Warn("datachannel: failed to marshal envelope", "error", err)
		return
	}

	c.mu.Lock()
	if c.paused {
		c.queued = append(c.queued, data)
		c.mu.Unlock()
		return
	}
	if c.dc.BufferedAmount() > highWaterMark {
		c.paused = true
		c.queued = append(c.queued, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.dc.Send(data); err != nil {
		logger.Warn("datachannel: send failed", "session_id", c.sessionID, "error", err)
	}
}
