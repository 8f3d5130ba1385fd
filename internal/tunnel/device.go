package tunnel

import (
	"fmt"
	"log/slog"

	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/gatewayd/internal/bridge"
	"github.com/kuuji/gatewayd/internal/config"
)

// PeerTunnel is the per-peer cryptographic tunnel: a
// WireGuard noise session for exactly one remote peer, transported over
// that peer's WebRTC data channel instead of UDP, with a virtual TUN
// (MemTUN) in place of a kernel interface so the gateway can inspect every
// decrypted packet before it goes anywhere.
//
// One device.Device per peer — rather than one shared device for the whole
// gateway — is deliberate: it is what gives the packet-handling loop a hook
// between decrypt and forward.
type PeerTunnel struct {
	tun   *MemTUN
	bind  *bridge.SingleBind
	wgDev *device.Device
	log   *slog.Logger
	Index uint32
}

// NewPeerTunnel builds and brings up a per-peer WireGuard device.
//
// localPrivate is this gateway's static private key; cfg carries the
// remote peer's public key, optional preshared key, allowed IPs, and
// keepalive interval. index is the gateway-assigned small integer that
// labels this tunnel's log lines and errors and is exposed as Index; it is
// not passed to wireguard-go, which picks its own session indices.
func NewPeerTunnel(localPrivate config.Key, cfg PeerConfig, index uint32, logger *slog.Logger) (*PeerTunnel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	memTun := NewMemTUN(DefaultMTU)
	bind := bridge.NewSingleBind(logger)

	wgLogger := &device.Logger{
		Verbosef: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "component", "wireguard", "index", index)
		},
		Errorf: func(format string, args ...any) {
			logger.Error(fmt.Sprintf(format, args...), "component", "wireguard", "index", index)
		},
	}

	wgDev := device.NewDevice(memTun, bind, wgLogger)

	deviceCfg := DeviceConfig{PrivateKey: localPrivate}
	uapi := BuildUAPIConfig(deviceCfg, []PeerConfig{cfg})
	if err := wgDev.IpcSet(uapi); err != nil {
		wgDev.Close()
		return nil, fmt.Errorf("configuring peer tunnel %d: %w", index, err)
	}

	if err := wgDev.Up(); err != nil {
		wgDev.Close()
		return nil, fmt.Errorf("bringing up peer tunnel %d: %w", index, err)
	}

	return &PeerTunnel{
		tun:   memTun,
		bind:  bind,
		wgDev: wgDev,
		log:   logger.With("component", "peer_tunnel", "index", index),
		Index: index,
	}, nil
}

// BindDataChannel registers the WebRTC data channel this tunnel's
// ciphertext travels over. Must be called once, after the data channel
// opens.
func (t *PeerTunnel) BindDataChannel(dc bridge.DataChannel) {
	t.bind.SetChannel(dc)
}

// AddAllowedIP extends this tunnel's WireGuard-level allowed-IP set.
func (t *PeerTunnel) AddAllowedIP(publicKey config.Key, ip string) error {
	uapi := fmt.Sprintf("public_key=%s\nallowed_ip=%s\n", hexKey(publicKey), ip)
	if err := t.wgDev.IpcSet(uapi); err != nil {
		return fmt.Errorf("adding allowed ip %s: %w", ip, err)
	}
	return nil
}

// Ingress returns the channel of decrypted plaintext packets received from
// the peer — the gateway's packet loop reads from this.
func (t *PeerTunnel) Ingress() <-chan []byte { return t.tun.Ingress() }

// SendToPeer queues a plaintext packet for encryption and delivery to this
// peer (device-origin egress).
func (t *PeerTunnel) SendToPeer(pkt []byte) { t.tun.InjectEgress(pkt) }

// Close tears down the WireGuard device and its virtual TUN.
func (t *PeerTunnel) Close() {
	t.wgDev.Close()
	t.log.Debug("peer tunnel stopped")
}

// ensure tun.Device is satisfied at compile time.
var _ tun.Device = (*MemTUN)(nil)
