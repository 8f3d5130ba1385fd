package tunnel

import (
	"net"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

// DefaultMTU is the per-peer in-memory tunnel's default and comfortably fits a
// WireGuard-encapsulated packet inside a WebRTC SCTP data channel message.
const DefaultMTU = 1280

// MemTUN is an in-process implementation of wireguard-go's tun.Device. It
// stands in for the kernel TUN interface so that this gateway can intercept
// every packet wireguard-go decrypts before it reaches anywhere — the
// interception point the ingress packet path requires.
//
// wireguard-go calls Write with plaintext it has just decrypted from this
// peer (ingress: client -> gateway); the orchestrator's per-peer packet
// loop drains that via Ingress(). wireguard-go calls Read to obtain
// plaintext it should encrypt and transmit to the peer (egress:
// device-origin traffic back to the client); InjectEgress feeds that path.
type MemTUN struct {
	mtu int

	mu     sync.Mutex
	closed bool
	events chan tun.Event

	ingress chan []byte // decrypted packets from the peer, drained by the packet loop
	egress  chan []byte // plaintext the gateway wants delivered to the peer
}

// NewMemTUN creates a MemTUN with the given MTU (0 uses DefaultMTU) and a
// queue depth of 256 packets in each direction.
func NewMemTUN(mtu int) *MemTUN {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	events := make(chan tun.Event, 1)
	events <- tun.EventUp
	return &MemTUN{
		mtu:     mtu,
		events:  events,
		ingress: make(chan []byte, 256),
		egress:  make(chan []byte, 256),
	}
}

// File implements tun.Device. MemTUN has no file descriptor.
func (t *MemTUN) File() *os.File { return nil }

// Read implements tun.Device: wireguard-go pulls packets here to encrypt
// and send to the peer.
func (t *MemTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	pkt, ok := <-t.egress
	if !ok {
		return 0, net.ErrClosed
	}
	n := copy(bufs[0][offset:], pkt)
	sizes[0] = n
	return 1, nil
}

// Write implements tun.Device: wireguard-go delivers decrypted plaintext
// from the peer here.
func (t *MemTUN) Write(bufs [][]byte, offset int) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	for _, buf := range bufs {
		if len(buf) <= offset {
			continue
		}
		cp := make([]byte, len(buf)-offset)
		copy(cp, buf[offset:])
		select {
		case t.ingress <- cp:
		default:
			// Drop on backpressure — mirrors UDP semantics; WireGuard
			// tolerates packet loss.
		}
	}
	return len(bufs), nil
}

// Ingress returns the channel of decrypted packets received from the peer,
// consumed by the orchestrator's per-peer packet loop.
func (t *MemTUN) Ingress() <-chan []byte { return t.ingress }

// InjectEgress queues a plaintext packet for wireguard-go to encrypt and
// send to this peer (device-origin traffic).
func (t *MemTUN) InjectEgress(pkt []byte) {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case t.egress <- cp:
	default:
	}
}

// Flush implements tun.Device. No buffering to flush.
func (t *MemTUN) Flush() error { return nil }

// MTU implements tun.Device.
func (t *MemTUN) MTU() (int, error) { return t.mtu, nil }

// Name implements tun.Device.
func (t *MemTUN) Name() (string, error) { return "gatewayd-mem", nil }

// Events implements tun.Device.
func (t *MemTUN) Events() <-chan tun.Event { return t.events }

// Close implements tun.Device.
func (t *MemTUN) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.ingress)
	close(t.egress)
	close(t.events)
	return nil
}

// BatchSize implements tun.Device.
func (t *MemTUN) BatchSize() int { return 1 }
