package routing

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
)

type fakePeer struct{ name string }

func (f *fakePeer) Close() {}

type fakePeerConnection struct{}

func (fakePeerConnection) Close() error { return nil }

func TestTable_InsertAndLookup(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	p := &fakePeer{name: "p1"}
	id := NewClientID(uuid.New())
	ip := netip.MustParseAddr("10.0.0.2")

	tbl.InsertPeer(id, GatewayID{}, p, []netip.Addr{ip})

	got, ok := tbl.Lookup(ip)
	if !ok || got != Peer(p) {
		t.Fatalf("Lookup(%v) = %v, %v; want %v, true", ip, got, ok, p)
	}
}

func TestTable_RemovePeer_PurgesAllIPs(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	p := &fakePeer{name: "p1"}
	id := NewClientID(uuid.New())
	ip1 := netip.MustParseAddr("10.0.0.2")
	ip2 := netip.MustParseAddr("10.0.0.3")

	tbl.InsertPeer(id, GatewayID{}, p, []netip.Addr{ip1, ip2})
	tbl.RemovePeer(id, p)

	if _, ok := tbl.Lookup(ip1); ok {
		t.Errorf("Lookup(%v) found entry after RemovePeer", ip1)
	}
	if _, ok := tbl.Lookup(ip2); ok {
		t.Errorf("Lookup(%v) found entry after RemovePeer", ip2)
	}
	if tbl.PeerCount() != 0 {
		t.Errorf("PeerCount() = %d, want 0", tbl.PeerCount())
	}
}

func TestTable_CleanupConnection_PurgesPeerWhenGiven(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	p := &fakePeer{name: "p1"}
	id := NewClientID(uuid.New())
	ip := netip.MustParseAddr("10.0.0.5")

	tbl.InsertPeer(id, GatewayID{}, p, []netip.Addr{ip})
	tbl.InsertPeerConnection(id, fakePeerConnection{})
	tbl.SetAwaiting(id, PendingState{Kind: Client})

	tbl.CleanupConnection(id, p)

	if _, ok := tbl.Lookup(ip); ok {
		t.Errorf("Lookup(%v) found entry after CleanupConnection", ip)
	}
	if _, ok := tbl.PeerConnectionFor(id); ok {
		t.Errorf("PeerConnectionFor(%v) found entry after CleanupConnection", id)
	}
	if _, ok := tbl.Awaiting(id); ok {
		t.Errorf("Awaiting(%v) found entry after CleanupConnection", id)
	}
}

func TestTable_CleanupConnection_NoPeer(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	id := NewClientID(uuid.New())
	tbl.InsertPeerConnection(id, fakePeerConnection{})
	tbl.SetAwaiting(id, PendingState{Kind: Client})

	tbl.CleanupConnection(id, nil)

	if _, ok := tbl.PeerConnectionFor(id); ok {
		t.Errorf("PeerConnectionFor(%v) found entry after CleanupConnection", id)
	}
	if _, ok := tbl.Awaiting(id); ok {
		t.Errorf("Awaiting(%v) found entry after CleanupConnection", id)
	}
}

func TestTable_InsertPeer_GraftsGatewayAwaitingIPs(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	gw := uuid.New()
	pendingIP := netip.MustParseAddr("10.50.0.9")
	tbl.AddGatewayAwaitingIP(gw, pendingIP)

	p := &fakePeer{name: "gateway-peer"}
	id := NewGatewayID(uuid.New())
	configuredIP := netip.MustParseAddr("10.50.0.1")

	tbl.InsertPeer(id, gw, p, []netip.Addr{configuredIP})

	if got, ok := tbl.Lookup(pendingIP); !ok || got != Peer(p) {
		t.Errorf("Lookup(%v) = %v, %v; want grafted peer", pendingIP, got, ok)
	}
	if got, ok := tbl.Lookup(configuredIP); !ok || got != Peer(p) {
		t.Errorf("Lookup(%v) = %v, %v; want configured peer", configuredIP, got, ok)
	}

	// The awaiting set is consumed on graft.
	p2 := &fakePeer{name: "other"}
	id2 := NewGatewayID(uuid.New())
	tbl.InsertPeer(id2, gw, p2, nil)
	if got, ok := tbl.Lookup(pendingIP); ok && got == Peer(p2) {
		t.Errorf("pending IP %v re-grafted onto a second peer", pendingIP)
	}
}

func TestTable_NonGatewayInsert_DoesNotGraft(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	gw := uuid.New()
	pendingIP := netip.MustParseAddr("10.60.0.9")
	tbl.AddGatewayAwaitingIP(gw, pendingIP)

	p := &fakePeer{name: "client-peer"}
	id := NewClientID(uuid.New())
	tbl.InsertPeer(id, gw, p, nil)

	if _, ok := tbl.Lookup(pendingIP); ok {
		t.Errorf("Lookup(%v) found entry, want ungrafted for non-Gateway conn id", pendingIP)
	}
}
