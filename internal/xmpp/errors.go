package xmpp

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups for unknown contact, room or
// conversation ids.
var ErrNotFound = errors.New("not found")

// ConnectionError indicates the transport could not reach the server, or
// that reconnection attempts have been exhausted.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect %s: %s", e.Server, e.Err)
	}
	return fmt.Sprintf("connect %s failed", e.Server)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthError indicates the server rejected the supplied credentials. Not
// retried.
type AuthError struct {
	Address string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s", e.Address)
}

// SendError indicates an outbound message was rejected or attempted while
// disconnected.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string {
	if e.Reason == "" {
		return "send failed"
	}
	return "send failed: " + e.Reason
}

// RosterError indicates a roster operation was attempted while the
// connection is down.
type RosterError struct {
	Op string
}

func (e *RosterError) Error() string {
	return fmt.Sprintf("roster %s: not connected", e.Op)
}

// ValueError indicates a malformed client-supplied parameter.
type ValueError struct {
	Param string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("invalid value for %q", e.Param)
}
