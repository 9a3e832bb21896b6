// Package apierr defines the error taxonomy shared across the HTTP
// control surface and the data-channel dispatcher, and maps each kind
// to the wire-level status/code a caller sees.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the categories the control
// surface and dispatcher agree on.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindGone           Kind = "gone"
	KindRateLimit      Kind = "rate_limit"
	KindTimeout        Kind = "timeout"
	KindChildProcess   Kind = "child_process"
	KindTransport      Kind = "transport"
	KindBusy           Kind = "busy"
	KindFatal          Kind = "fatal"
)

// statusByKind maps a Kind to its HTTP status code.
var statusByKind = map[Kind]int{
	KindValidation:     http.StatusBadRequest,
	KindAuthentication: http.StatusUnauthorized,
	KindAuthorization:  http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindGone:           http.StatusGone,
	KindRateLimit:      http.StatusTooManyRequests,
	KindTimeout:        http.StatusRequestTimeout,
	KindChildProcess:   http.StatusInternalServerError,
	KindTransport:      http.StatusBadGateway,
	KindBusy:           http.StatusConflict,
	KindFatal:          http.StatusInternalServerError,
}

// Error is a Kind-tagged error carrying a caller-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, retaining the cause for
// logging (never for the caller-facing payload).
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// StatusFor returns the HTTP status code for a Kind, defaulting to 500
// for an unrecognized or empty Kind.
func StatusFor(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// As extracts an *Error from err, if any wrap in the chain is one.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Body is the JSON shape written to the HTTP response for any error.
type Body struct {
	Error         string `json:"error"`
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// WriteJSON writes err (mapped to its Kind and status) as a JSON body
// to w. Unrecognized errors are mapped to KindFatal without leaking
// their internal message to the caller.
func WriteJSON(w http.ResponseWriter, err error, correlationID string) {
	apiErr, ok := As(err)
	if !ok {
		apiErr = &Error{Kind: KindFatal, Message: "internal error", Err: err}
	}
	status := StatusFor(apiErr.Kind)
	body := Body{
		Error:         http.StatusText(status),
		Kind:          apiErr.Kind,
		Message:       apiErr.Message,
		CorrelationID: correlationID,
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Correlation-Id", correlationID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
