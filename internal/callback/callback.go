// Package callback defines the embedder capability surface:
// a record of function capabilities rather than an interface hierarchy,
// so a partially populated Set (e.g. in tests) is always safe to invoke.
package callback

import (
	"github.com/kuuji/gatewayd/internal/resource"
	"github.com/kuuji/gatewayd/internal/routing"
)

// Set is the embedder's callback capabilities. Every field is optional;
// every invocation site nil-checks before calling. These may be invoked
// from any goroutine — the embedder must tolerate concurrent calls.
type Set struct {
	OnError        func(error)
	OnDisconnect   func(error)
	OnResourceUp   func(resource.ID)
	OnResourceDown func(resource.ID)
	OnTunnelReady  func(routing.ConnID)
}

// Error invokes OnError if set.
func (s *Set) Error(err error) {
	if s != nil && s.OnError != nil {
		s.OnError(err)
	}
}

// Disconnect invokes OnDisconnect if set. err may be nil for an orderly
// shutdown with no associated error.
func (s *Set) Disconnect(err error) {
	if s != nil && s.OnDisconnect != nil {
		s.OnDisconnect(err)
	}
}

// ResourceUp invokes OnResourceUp if set.
func (s *Set) ResourceUp(id resource.ID) {
	if s != nil && s.OnResourceUp != nil {
		s.OnResourceUp(id)
	}
}

// ResourceDown invokes OnResourceDown if set.
func (s *Set) ResourceDown(id resource.ID) {
	if s != nil && s.OnResourceDown != nil {
		s.OnResourceDown(id)
	}
}

// TunnelReady invokes OnTunnelReady if set.
func (s *Set) TunnelReady(id routing.ConnID) {
	if s != nil && s.OnTunnelReady != nil {
		s.OnTunnelReady(id)
	}
}
