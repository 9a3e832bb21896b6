// Package wire defines the JSON envelopes exchanged over the data
// channel (agent <-> client, via the WebRTC data channel) and over the
// signalling connection (agent <-> relay, via the outbound WebSocket).
package wire

import "encoding/json"

// Data-channel message types.
const (
	TypeCommand    = "command"
	TypePing       = "ping"
	TypeFileUpload = "file_upload"

	TypeOutput = "output"
	TypeStatus = "status"
	TypePong   = "pong"
	TypeError  = "error"
)

// Envelope is the outer shape of every data-channel message.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CommandPayload is Envelope.Data for TypeCommand.
type CommandPayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// FileUploadPayload is Envelope.Data for TypeFileUpload.
type FileUploadPayload struct {
	Path     string `json:"path"`
	Content  string `json:"content"` // base64
	Encoding string `json:"encoding"`
}

// OutputPayload is Envelope.Data for TypeOutput.
type OutputPayload struct {
	ExecutionID string `json:"executionId"`
	Stream      string `json:"stream"` // "stdout" | "stderr"
	Chunk       string `json:"chunk"`
}

// StatusPayload is Envelope.Data for TypeStatus.
type StatusPayload struct {
	ExecutionID string `json:"executionId"`
	State       string `json:"state"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PongPayload is Envelope.Data for TypePong.
type PongPayload struct {
	Timestamp       int64 `json:"timestamp"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

// ErrorPayload is Envelope.Data for TypeError.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Signalling message types, exchanged with the relay over the
// outbound WebSocket connection.
const (
	SigTypeOffer        = "offer"
	SigTypeAnswer       = "answer"
	SigTypeICECandidate = "ice-candidate"
	SigTypeJoin         = "join"
	SigTypeLeave        = "leave"
	SigTypeHeartbeat    = "heartbeat"
)

// SignalMessage is the outer shape of every signalling message.
type SignalMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SDPPayload is SignalMessage.Data for SigTypeOffer/SigTypeAnswer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload is SignalMessage.Data for SigTypeICECandidate.
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
