package tunnel

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

// DefaultDeviceMTU is the default MTU for the gateway's LAN-facing TUN
// interface — plain IP, with no data-channel encapsulation overhead to
// reserve room for, unlike the per-peer MemTUN interfaces.
const DefaultDeviceMTU = 1420

// CreateTUN creates the kernel TUN device the gateway writes resolved,
// decrypted packets to and reads LAN-to-client replies from, backing a
// deviceio.Sink. Requires CAP_NET_ADMIN.
func CreateTUN(name string, mtu int) (tun.Device, error) {
	if name == "" {
		name = DefaultTUNName
	}
	if mtu <= 0 {
		mtu = DefaultDeviceMTU
	}

	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("creating TUN device %q: %w", name, err)
	}

	return dev, nil
}
