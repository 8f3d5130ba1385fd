package routing

import (
	"net/netip"
	"sync"
	"time"
)

// Peer is the subset of a live peer the routing table needs in order to
// manage its lifecycle, without importing the peer package (which itself
// depends on routing.ConnID, so the dependency cannot run the other way).
type Peer interface {
	Close()
}

// PeerConnection is the subset of a WebRTC peer connection the routing
// table tracks while a connection is being negotiated.
type PeerConnection interface {
	Close() error
}

// PendingState holds whatever the orchestrator has learned about a
// connection before its data channel has opened and a Peer exists for it.
type PendingState struct {
	Kind      Kind
	CreatedAt time.Time

	// Data is orchestrator-defined payload carried alongside the pending
	// connection (e.g. negotiated tunnel parameters awaiting the data
	// channel).
	Data any
}

// Table is the routing table: the maps from client IP to
// peer, from ConnID to in-flight connection state, and the
// gateway-reuse bookkeeping that lets a previously-seen gateway reconnect
// without renegotiating ICE.
//
// Lock-ordering invariant: when both gatewayAwaiting and peersByIP must be
// held, gatewayAwaiting is acquired first. No other code path may acquire
// them in the reverse order.
type Table struct {
	peersByIPMu sync.RWMutex
	peersByIP   map[netip.Addr]Peer

	peerConnMu sync.RWMutex
	peerConns  map[ConnID]PeerConnection

	gatewayAwaitingMu sync.Mutex
	gatewayAwaiting   map[GatewayID]map[netip.Addr]struct{}

	awaitingConnMu sync.Mutex
	awaitingConn   map[ConnID]PendingState

	// peerIPs tracks which IPs each peer currently owns, so RemovePeer can
	// purge every peersByIP entry for a peer without a reverse scan.
	peerIPsMu sync.Mutex
	peerIPs   map[Peer]map[netip.Addr]struct{}
}

// NewTable constructs an empty routing table.
func NewTable() *Table {
	return &Table{
		peersByIP:       make(map[netip.Addr]Peer),
		peerConns:       make(map[ConnID]PeerConnection),
		gatewayAwaiting: make(map[GatewayID]map[netip.Addr]struct{}),
		awaitingConn:    make(map[ConnID]PendingState),
		peerIPs:         make(map[Peer]map[netip.Addr]struct{}),
	}
}

// Lookup resolves a client IP to its peer, for the packet hot path.
func (t *Table) Lookup(ip netip.Addr) (Peer, bool) {
	t.peersByIPMu.RLock()
	defer t.peersByIPMu.RUnlock()
	p, ok := t.peersByIP[ip]
	return p, ok
}

// InsertPeerConnection registers an in-flight WebRTC peer connection
// under its ConnID, before the data channel (and hence the Peer) exists.
func (t *Table) InsertPeerConnection(id ConnID, pc PeerConnection) {
	t.peerConnMu.Lock()
	defer t.peerConnMu.Unlock()
	t.peerConns[id] = pc
}

// PeerConnectionFor returns the in-flight peer connection registered for
// id, if one is still present (it is removed once the connection is torn
// down or cleaned up).
func (t *Table) PeerConnectionFor(id ConnID) (PeerConnection, bool) {
	t.peerConnMu.RLock()
	defer t.peerConnMu.RUnlock()
	pc, ok := t.peerConns[id]
	return pc, ok
}

// SetAwaiting records pending state for a connection that has not yet
// produced a Peer.
func (t *Table) SetAwaiting(id ConnID, state PendingState) {
	t.awaitingConnMu.Lock()
	defer t.awaitingConnMu.Unlock()
	t.awaitingConn[id] = state
}

// Awaiting returns the pending state recorded for id, if any.
func (t *Table) Awaiting(id ConnID) (PendingState, bool) {
	t.awaitingConnMu.Lock()
	defer t.awaitingConnMu.Unlock()
	s, ok := t.awaitingConn[id]
	return s, ok
}

// AddGatewayAwaitingIP records an allowed-IP pending for a gateway that
// has not yet opened its data channel. When that gateway's peer is
// finally inserted, these IPs are grafted onto it.
func (t *Table) AddGatewayAwaitingIP(gw GatewayID, ip netip.Addr) {
	t.gatewayAwaitingMu.Lock()
	defer t.gatewayAwaitingMu.Unlock()
	set, ok := t.gatewayAwaiting[gw]
	if !ok {
		set = make(map[netip.Addr]struct{})
		t.gatewayAwaiting[gw] = set
	}
	set[ip] = struct{}{}
}

// InsertPeer makes a peer's configured IPs (and, for a Gateway peer, any
// IPs pending in gatewayAwaiting) reachable via peersByIP.
//
// gw is the gateway ID to graft pending IPs for; pass a zero uuid.UUID
// (GatewayID{}) when id is not a Gateway connection, in which case no
// grafting happens.
func (t *Table) InsertPeer(id ConnID, gw GatewayID, p Peer, configuredIPs []netip.Addr) {
	var grafted []netip.Addr

	if id.Kind == Gateway {
		// Lock order: gatewayAwaiting before peersByIP. The lock is held
		// until the peersByIP insert below is done, so the pending entry
		// is consumed atomically with that insert.
		t.gatewayAwaitingMu.Lock()
		defer t.gatewayAwaitingMu.Unlock()
		if set, ok := t.gatewayAwaiting[gw]; ok {
			grafted = make([]netip.Addr, 0, len(set))
			for ip := range set {
				grafted = append(grafted, ip)
			}
			delete(t.gatewayAwaiting, gw)
		}
	}

	all := make(map[netip.Addr]struct{}, len(configuredIPs)+len(grafted))
	for _, ip := range configuredIPs {
		all[ip] = struct{}{}
	}
	for _, ip := range grafted {
		all[ip] = struct{}{}
	}

	t.peersByIPMu.Lock()
	for ip := range all {
		t.peersByIP[ip] = p
	}
	t.peersByIPMu.Unlock()

	t.peerIPsMu.Lock()
	t.peerIPs[p] = all
	t.peerIPsMu.Unlock()
}

// RemovePeer purges every peersByIP entry pointing at p, and drops any
// peerConnections/awaitingConnection entries for id. Both stop_peer and
// cleanup_connection route through this so the "no peersByIP entry
// references a removed peer" invariant holds regardless of which teardown
// path ran.
func (t *Table) RemovePeer(id ConnID, p Peer) {
	t.peerIPsMu.Lock()
	ips := t.peerIPs[p]
	delete(t.peerIPs, p)
	t.peerIPsMu.Unlock()

	if len(ips) > 0 {
		t.peersByIPMu.Lock()
		for ip := range ips {
			if cur, ok := t.peersByIP[ip]; ok && cur == p {
				delete(t.peersByIP, ip)
			}
		}
		t.peersByIPMu.Unlock()
	}

	t.peerConnMu.Lock()
	delete(t.peerConns, id)
	t.peerConnMu.Unlock()

	t.awaitingConnMu.Lock()
	delete(t.awaitingConn, id)
	t.awaitingConnMu.Unlock()
}

// CleanupConnection removes awaitingConnection and peerConnections
// entries for id. If p is non-nil it also purges peersByIP for that peer,
// sharing RemovePeer's implementation — see DESIGN.md for why this
// now also happens on the cleanup path, not only on explicit stop_peer.
func (t *Table) CleanupConnection(id ConnID, p Peer) {
	if p != nil {
		t.RemovePeer(id, p)
		return
	}

	t.peerConnMu.Lock()
	delete(t.peerConns, id)
	t.peerConnMu.Unlock()

	t.awaitingConnMu.Lock()
	delete(t.awaitingConn, id)
	t.awaitingConnMu.Unlock()
}

// PeerCount returns the number of distinct peers currently routable,
// for stats reporting.
func (t *Table) PeerCount() int {
	t.peerIPsMu.Lock()
	defer t.peerIPsMu.Unlock()
	return len(t.peerIPs)
}
