// Package deviceio models the abstract device-write capability the
// orchestrator writes resolved packets to: an infallible
// write_v4/write_v6 sink, obtained at peer-start time via a
// shared-nullable slot. Absence of a bound sink yields gwerr.ErrNoIface.
package deviceio

import "sync/atomic"

// Sink accepts fully-resolved, checksummed packets for delivery. Both
// methods are infallible from the caller's perspective — implementations
// swallow and count write errors rather than returning them, matching
// the gateway's LAN-facing network device.
type Sink interface {
	WriteV4(pkt []byte)
	WriteV6(pkt []byte)
}

// Slot is a shared, nullable holder for the current Sink, safe for
// concurrent Get/Set from any goroutine.
type Slot struct {
	v atomic.Pointer[Sink]
}

// Set installs sink as the current device I/O target. Passing nil clears
// it (e.g. on shutdown), after which Get returns (nil, false).
func (s *Slot) Set(sink Sink) {
	if sink == nil {
		s.v.Store(nil)
		return
	}
	s.v.Store(&sink)
}

// Get returns the currently bound sink, if any.
func (s *Slot) Get() (Sink, bool) {
	p := s.v.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}
