// Package peer models one authenticated tunnel endpoint's per-peer state:
// its cryptographic tunnel, ingress ACL, and resource-address
// translation cache.
package peer

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuuji/gatewayd/internal/config"
	"github.com/kuuji/gatewayd/internal/resource"
	"github.com/kuuji/gatewayd/internal/routing"
	"github.com/kuuji/gatewayd/internal/tunnel"
)

// DataChannel abstracts the peer's detached byte-oriented reliable data
// channel (the portal control channel, not the WireGuard transport one),
// used for peer-scoped signaling such as resource expiry notices.
type DataChannel interface {
	Send(data []byte) error
	Close() error
}

// Peer represents one authenticated client tunnel: the cryptographic
// tunnel, the allowed-IP ACL, and the resource translation cache.
//
// All mutable peer state is guarded by its own mutex — the
// "reader-writer discipline, no cross-peer locks" — so a packet-loop
// goroutine and an orchestrator update can touch the same peer
// concurrently without risk of deadlocking against another peer's lock.
type Peer struct {
	Index  uint32
	ConnID routing.ConnID

	Tunnel *tunnel.PeerTunnel

	allowedMu sync.RWMutex
	allowed   map[netip.Addr]struct{}

	translationMu sync.RWMutex
	translation   map[resource.ID]netip.Addr

	// Resource and ExpiresAt are set when this peer is scoped to a single
	// resource (ConnID.Kind == routing.Resource); zero otherwise.
	Resource  *resource.Description
	ExpiresAt time.Time

	dataChannel DataChannel

	rxBytesTotal atomic.Uint64
	txBytesTotal atomic.Uint64
}

// New constructs a Peer with the given initial allowed-IP set.
func New(index uint32, connID routing.ConnID, tun *tunnel.PeerTunnel, allowedIPs []netip.Addr) *Peer {
	allowed := make(map[netip.Addr]struct{}, len(allowedIPs))
	for _, ip := range allowedIPs {
		allowed[ip] = struct{}{}
	}
	return &Peer{
		Index:       index,
		ConnID:      connID,
		Tunnel:      tun,
		allowed:     allowed,
		translation: make(map[resource.ID]netip.Addr),
	}
}

// IsAllowed tests whether ip is in this peer's ACL. Any ingress packet
// whose source is not allowed must be dropped — the authoritative ACL
// invariant.
func (p *Peer) IsAllowed(ip netip.Addr) bool {
	p.allowedMu.RLock()
	defer p.allowedMu.RUnlock()
	_, ok := p.allowed[ip]
	return ok
}

// AddAllowedIP extends the ACL, and propagates the change to the
// underlying WireGuard device so it accepts the new source too.
func (p *Peer) AddAllowedIP(publicKey config.Key, ip netip.Addr) error {
	p.allowedMu.Lock()
	p.allowed[ip] = struct{}{}
	p.allowedMu.Unlock()

	if p.Tunnel == nil {
		return nil
	}
	return p.Tunnel.AddAllowedIP(publicKey, cidrOf(ip))
}

// AllowedIPs returns a snapshot of the current ACL, for routing-table
// insertion.
func (p *Peer) AllowedIPs() []netip.Addr {
	p.allowedMu.RLock()
	defer p.allowedMu.RUnlock()
	ips := make([]netip.Addr, 0, len(p.allowed))
	for ip := range p.allowed {
		ips = append(ips, ip)
	}
	return ips
}

// GetPacketResource returns the resource this peer's client session has
// scoped dst to, if any. Gateway peers always return (Description{}, false)
// — a trusted peer's packets are forwarded as-is.
func (p *Peer) GetPacketResource(dst netip.Addr) (resource.Description, bool) {
	if p.ConnID.Kind == routing.Gateway {
		return resource.Description{}, false
	}
	if p.Resource == nil {
		return resource.Description{}, false
	}
	return *p.Resource, true
}

// UpdateTranslatedResourceAddress implements resource.Translator, recording
// a DNS resolution in the peer's translation cache.
func (p *Peer) UpdateTranslatedResourceAddress(id resource.ID, dst netip.Addr) {
	p.translationMu.Lock()
	defer p.translationMu.Unlock()
	p.translation[id] = dst
}

// TranslatedAddress returns the last resolved destination for a resource,
// if one has been recorded.
func (p *Peer) TranslatedAddress(id resource.ID) (netip.Addr, bool) {
	p.translationMu.RLock()
	defer p.translationMu.RUnlock()
	addr, ok := p.translation[id]
	return addr, ok
}

// BindDataChannel attaches the peer-scoped signaling data channel (e.g.
// for resource expiry notices).
func (p *Peer) BindDataChannel(dc DataChannel) { p.dataChannel = dc }

// RecordRx and RecordTx accumulate byte counters for stats reporting.
func (p *Peer) RecordRx(n int) { p.rxBytesTotal.Add(uint64(n)) }
func (p *Peer) RecordTx(n int) { p.txBytesTotal.Add(uint64(n)) }

// ByteCounters returns the cumulative rx/tx byte counts for this peer.
func (p *Peer) ByteCounters() (rx, tx uint64) {
	return p.rxBytesTotal.Load(), p.txBytesTotal.Load()
}

// Close tears down the tunnel and data channel. Implements routing.Peer.
func (p *Peer) Close() {
	if p.Tunnel != nil {
		p.Tunnel.Close()
	}
	if p.dataChannel != nil {
		p.dataChannel.Close()
	}
}

func cidrOf(ip netip.Addr) string {
	bits := 32
	if ip.Is6() {
		bits = 128
	}
	return netip.PrefixFrom(ip, bits).String()
}
