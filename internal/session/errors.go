package session

import (
	"errors"
	"fmt"
)

// ErrSessionActive is returned by Start when the controller has already been
// started.
var ErrSessionActive = errors.New("session: already started")

// ErrStopped is returned by Start when Stop raced with it.
var ErrStopped = errors.New("session: stopped")

// PermissionError reports that a capture device could not be acquired. It
// wraps capture.ErrPermissionDenied when the user or the OS refused access.
// Start fails with it and the session is not retried automatically.
type PermissionError struct {
	// Device is "microphone" or "camera".
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("session: acquire %s: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Retryable reports that the user may grant access and start a new session.
func (e *PermissionError) Retryable() bool { return true }

// TransportError reports that the live channel could not be opened or was
// lost. The session is torn down after it is reported.
type TransportError struct {
	// Code and Reason are the close status, when the remote sent one.
	Code   int
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.Code != 0:
		return fmt.Sprintf("session: connection lost (code %d %q): %v", e.Code, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("session: connection lost: %v", e.Err)
	default:
		return fmt.Sprintf("session: connection closed (code %d %q)", e.Code, e.Reason)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError carries an error reported by the remote, or an inbound
// message that could not be decoded. The session stays open.
type ProtocolError struct {
	// Message is the remote's text, suitable for display as-is.
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Message != "" {
		return "session: remote error: " + e.Message
	}
	return fmt.Sprintf("session: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
