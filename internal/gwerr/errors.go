// Package gwerr defines the gateway's error taxonomy. Hot-path packet
// errors are dropped, not propagated; connection-setup errors abort only
// that connection; session-level errors trigger an orderly disconnect.
package gwerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra data.
var (
	// ErrNoIface is returned when a peer's data channel opens but no
	// DeviceIO sink has been bound yet. The peer is not started.
	ErrNoIface = errors.New("gatewayd: no device bound")

	// ErrControlProtocol signals an internal bookkeeping inconsistency,
	// such as a missing ICE candidate queue or an unknown conn id.
	// Fatal for the connection it occurred on, not for the session.
	ErrControlProtocol = errors.New("gatewayd: control protocol inconsistency")

	// ErrURI is a fatal startup error: the configured portal URL does not
	// parse.
	ErrURI = errors.New("gatewayd: invalid portal url")
)

// PortalConnectionError wraps a transport failure talking to the portal.
// The session supervisor retries with backoff until it is exhausted, then
// treats it as fatal.
type PortalConnectionError struct {
	Err error
}

func (e *PortalConnectionError) Error() string {
	return fmt.Sprintf("portal connection error: %v", e.Err)
}

func (e *PortalConnectionError) Unwrap() error { return e.Err }

// InvalidResource means a resource descriptor was malformed or could not be
// resolved (DNS lookup failure, family mismatch). The offending packet is
// dropped.
type InvalidResource struct {
	ResourceID string
	Reason     string
}

func (e *InvalidResource) Error() string {
	return fmt.Sprintf("invalid resource %s: %s", e.ResourceID, e.Reason)
}

// InvalidSource means a client's packet targeted an address outside the
// CIDR resource it was authorized for — a tunnel-hijack attempt. The
// packet is dropped and the event should be logged at warn level.
type InvalidSource struct {
	ResourceID string
	Dst        string
}

func (e *InvalidSource) Error() string {
	return fmt.Sprintf("packet destination %s outside resource %s prefix", e.Dst, e.ResourceID)
}

// Panic represents a recovered goroutine panic with a string payload.
type Panic struct {
	Payload string
}

func (e *Panic) Error() string { return fmt.Sprintf("panic: %s", e.Payload) }

// PanicNonStringPayload represents a recovered goroutine panic whose
// payload was not a string.
type PanicNonStringPayload struct{}

func (e *PanicNonStringPayload) Error() string { return "panic: non-string payload" }
