// Package bridge implements a custom conn.Bind that transports WireGuard's
// encrypted packets over a single WebRTC data channel, in place of UDP.
//
// This is the critical glue in the gateway's architecture:
//
//	PeerTunnel's wireguard-go device encrypts -> Bind.Send -> WebRTC data channel
//	WebRTC data channel -> Bind.ReceiveFunc -> wireguard-go decrypts -> MemTUN
//
// Each PeerTunnel owns exactly one SingleBind, and each SingleBind carries
// exactly one peer's data channel — unlike a P2P mesh client, which must
// multiplex many peers behind one Bind, the gateway already splits its
// WireGuard state per peer (tunnel.PeerTunnel), so the Bind underneath it
// only ever needs to address one destination.
package bridge

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
)

// DataChannel is the subset of *webrtc.DataChannel the bridge needs,
// narrowed to keep this package testable without a real PeerConnection.
type DataChannel interface {
	Send(data []byte) error
	OnMessage(f func(data []byte))
}

// SingleBind implements conn.Bind by transporting WireGuard packets over
// exactly one WebRTC data channel. It is safe for concurrent use.
type SingleBind struct {
	mu  sync.RWMutex
	dc  DataChannel
	log *slog.Logger

	recvCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSingleBind creates a SingleBind with no data channel registered.
// SetChannel must be called once the peer's data channel opens, before
// any packets can flow.
func NewSingleBind(logger *slog.Logger) *SingleBind {
	if logger == nil {
		logger = slog.Default()
	}
	return &SingleBind{
		log:     logger.With("component", "bridge"),
		recvCh:  make(chan []byte, 256),
		closeCh: make(chan struct{}),
	}
}

// Open implements conn.Bind. It returns a single ReceiveFunc that reads
// packets from the receive channel. The port parameter is ignored since
// there is no real UDP socket underneath.
//
// wireguard-go calls Close then Open during BindUpdate cycles, so Open
// must reset the close channel to allow the new ReceiveFunc to block.
func (b *SingleBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	b.closeOnce = sync.Once{}
	b.closeCh = make(chan struct{})
	closeCh := b.closeCh
	b.mu.Unlock()

	fn := func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case pkt, ok := <-b.recvCh:
			if !ok {
				return 0, net.ErrClosed
			}
			n := copy(packets[0], pkt)
			sizes[0] = n
			eps[0] = NewEndpoint()
			return 1, nil
		case <-closeCh:
			return 0, net.ErrClosed
		}
	}

	return []conn.ReceiveFunc{fn}, 0, nil
}

// Close implements conn.Bind. It signals all pending receives to unblock.
func (b *SingleBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
	return nil
}

// Send implements conn.Bind. It delivers WireGuard-encrypted packets to
// the peer over the bound data channel, ignoring the endpoint argument
// since a SingleBind only ever addresses one peer.
func (b *SingleBind) Send(bufs [][]byte, _ conn.Endpoint) error {
	b.mu.RLock()
	dc := b.dc
	b.mu.RUnlock()

	if dc == nil {
		return errors.New("bridge: no data channel bound")
	}

	for _, buf := range bufs {
		if err := dc.Send(buf); err != nil {
			return err
		}
	}
	return nil
}

// ParseEndpoint implements conn.Bind. There is only ever one peer, so any
// endpoint string resolves to the same sentinel Endpoint.
func (b *SingleBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	return NewEndpoint(), nil
}

// SetMark implements conn.Bind. No-op: there is no real socket to mark.
func (b *SingleBind) SetMark(mark uint32) error { return nil }

// BatchSize implements conn.Bind. Packets are processed one at a time.
func (b *SingleBind) BatchSize() int { return 1 }

// SetChannel registers the WebRTC data channel this tunnel's ciphertext
// travels over. Incoming messages are queued into the receive channel for
// wireguard-go to decrypt. Must be called exactly once, after the data
// channel opens.
func (b *SingleBind) SetChannel(dc DataChannel) {
	b.mu.Lock()
	b.dc = dc
	closeCh := b.closeCh
	b.mu.Unlock()

	dc.OnMessage(func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)

		select {
		case b.recvCh <- cp:
		case <-closeCh:
		default:
			// Drop on backpressure — mirrors UDP semantics; WireGuard
			// tolerates packet loss.
			b.log.Debug("dropping packet, receive buffer full")
		}
	})
}

// Endpoint implements conn.Endpoint for the single peer a SingleBind
// addresses. There is exactly one, so the endpoint carries no identifying
// data beyond its existence.
type Endpoint struct{}

// NewEndpoint returns the sentinel endpoint for a SingleBind's one peer.
func NewEndpoint() *Endpoint { return &Endpoint{} }

// ClearSrc implements conn.Endpoint. No-op.
func (e *Endpoint) ClearSrc() {}

// SrcToString implements conn.Endpoint. No source address concept exists
// for WebRTC transport.
func (e *Endpoint) SrcToString() string { return "" }

// DstToString implements conn.Endpoint.
func (e *Endpoint) DstToString() string { return "peer" }

// DstToBytes implements conn.Endpoint.
func (e *Endpoint) DstToBytes() []byte { return []byte("peer") }

// DstIP implements conn.Endpoint. Returns a zero address — there is no
// real IP endpoint for WebRTC transport.
func (e *Endpoint) DstIP() netip.Addr { return netip.Addr{} }

// SrcIP implements conn.Endpoint. Returns a zero address.
func (e *Endpoint) SrcIP() netip.Addr { return netip.Addr{} }

var _ conn.Bind = (*SingleBind)(nil)
