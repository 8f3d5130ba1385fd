package deviceio

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/gatewayd/internal/packet"
)

// TUNSink wraps a kernel TUN device as a Sink: writes go straight to the
// interface, and ReadLoop feeds LAN-originated packets back to the
// gateway's routing layer via egress.
type TUNSink struct {
	dev tun.Device
	mtu int
	log *slog.Logger
}

// NewTUNSink wraps dev as a Sink.
func NewTUNSink(dev tun.Device, logger *slog.Logger) *TUNSink {
	if logger == nil {
		logger = slog.Default()
	}
	mtu, err := dev.MTU()
	if err != nil || mtu <= 0 {
		mtu = 1420
	}
	return &TUNSink{dev: dev, mtu: mtu, log: logger.With("component", "deviceio")}
}

// WriteV4 writes an IPv4 packet to the TUN device, dropping it on error
// per the Sink contract.
func (t *TUNSink) WriteV4(pkt []byte) { t.write(pkt) }

// WriteV6 writes an IPv6 packet to the TUN device, dropping it on error
// per the Sink contract.
func (t *TUNSink) WriteV6(pkt []byte) { t.write(pkt) }

func (t *TUNSink) write(pkt []byte) {
	if _, err := t.dev.Write([][]byte{pkt}, 0); err != nil {
		t.log.Warn("writing packet to device", "error", err)
	}
}

// ReadLoop reads packets off the kernel interface until ctx is cancelled
// or the device closes, routing each to egress by its destination
// address (LAN-to-client traffic).
// egress returns false when no peer owns the destination, in which case
// the packet is simply dropped — this is not a router.
func (t *TUNSink) ReadLoop(ctx context.Context, egress func(dst netip.Addr, pkt []byte) bool) error {
	batchSize := t.dev.BatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}
	bufs := make([][]byte, batchSize)
	sizes := make([]int, batchSize)
	for i := range bufs {
		bufs[i] = make([]byte, t.mtu+32)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := t.dev.Read(bufs, sizes, 0)
		if err != nil {
			return fmt.Errorf("deviceio: reading from device: %w", err)
		}

		for i := 0; i < n; i++ {
			pkt := bufs[i][:sizes[i]]
			dst, err := packet.DestAddr(pkt)
			if err != nil {
				t.log.Debug("dropping device packet with unparsable destination", "error", err)
				continue
			}
			if !egress(dst, pkt) {
				t.log.Debug("dropping device packet, no peer owns destination", "dst", dst)
			}
		}
	}
}
