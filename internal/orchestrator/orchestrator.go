// Package orchestrator implements the peer-connection orchestrator: it
// turns a portal connection request into a live
// WebRTC+WireGuard tunnel, relays trickled ICE candidates in both
// directions, and drives the decrypted-packet ingress path — ACL check,
// resource resolution, packet rewrite, device write — for every peer it
// brings up.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/kuuji/gatewayd/internal/callback"
	"github.com/kuuji/gatewayd/internal/config"
	"github.com/kuuji/gatewayd/internal/deviceio"
	"github.com/kuuji/gatewayd/internal/gwerr"
	"github.com/kuuji/gatewayd/internal/packet"
	"github.com/kuuji/gatewayd/internal/peer"
	"github.com/kuuji/gatewayd/internal/protocol"
	"github.com/kuuji/gatewayd/internal/relay"
	"github.com/kuuji/gatewayd/internal/resource"
	"github.com/kuuji/gatewayd/internal/routing"
	"github.com/kuuji/gatewayd/internal/tunnel"
	"github.com/kuuji/gatewayd/internal/webrtc"
)

// iceQueueCapacity is the size of each connection's outbound ICE-candidate
// queue.
const iceQueueCapacity = 100

// Config holds everything the orchestrator needs to stand up peers.
type Config struct {
	// LocalPrivateKey is this gateway's WireGuard private key, used for
	// every per-peer tunnel.
	LocalPrivateKey config.Key

	// GatewayID identifies this gateway in outbound stats events.
	GatewayID string

	// DefaultSTUNServers seed the ICE server list when a connection
	// request carries no relays of its own.
	DefaultSTUNServers []string

	// ForceRelay restricts every peer connection to TURN relay candidates.
	ForceRelay bool

	Table      *routing.Table
	Resolver   *resource.Resolver
	DeviceSlot *deviceio.Slot
	Callbacks  *callback.Set

	// Send transmits an outbound protocol.Message to the portal (SDP
	// answers and trickled ICE candidates).
	Send func(protocol.Message) error

	Logger *slog.Logger
}

// Orchestrator owns every live and in-flight peer connection for one
// gateway session.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	startedAt time.Time
	nextIndex atomic.Uint32

	peersMu sync.Mutex
	peers   map[routing.ConnID]*peer.Peer

	iceQueueMu sync.Mutex
	iceQueues  map[routing.ConnID]chan *pionwebrtc.ICECandidate

	defaultRelaysMu sync.RWMutex
	defaultRelays   []relay.Descriptor
}

// New constructs an Orchestrator. cfg.Send, cfg.Table, cfg.Resolver, and
// cfg.DeviceSlot must be non-nil.
func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	defaults := make([]relay.Descriptor, 0, len(cfg.DefaultSTUNServers))
	for _, uri := range cfg.DefaultSTUNServers {
		defaults = append(defaults, relay.Descriptor{Kind: relay.Stun, URI: uri})
	}
	return &Orchestrator{
		cfg:           cfg,
		log:           log.With("component", "orchestrator"),
		startedAt:     time.Now(),
		peers:         make(map[routing.ConnID]*peer.Peer),
		iceQueues:     make(map[routing.ConnID]chan *pionwebrtc.ICECandidate),
		defaultRelays: defaults,
	}
}

// SetDefaultRelays replaces the relay list used to seed ICE servers for a
// connection request that carries none of its own (a protocol.BroadcastConfig
// pushed by the portal).
func (o *Orchestrator) SetDefaultRelays(relays []relay.Descriptor) {
	o.defaultRelaysMu.Lock()
	o.defaultRelays = relays
	o.defaultRelaysMu.Unlock()
}

func (o *Orchestrator) getDefaultRelays() []relay.Descriptor {
	o.defaultRelaysMu.RLock()
	defer o.defaultRelaysMu.RUnlock()
	return append([]relay.Descriptor(nil), o.defaultRelays...)
}

// HandleConnectionRequest implements initialize_peer_request: it creates a
// WebRTC peer connection as the answerer, registers it as in-flight in the
// routing table, and sends the resulting SDP answer back to the portal.
func (o *Orchestrator) HandleConnectionRequest(req protocol.ConnectionRequest) error {
	var connID routing.ConnID
	if err := connID.UnmarshalText([]byte(req.ConnID)); err != nil {
		return fmt.Errorf("orchestrator: parsing conn id %q: %w", req.ConnID, err)
	}

	descriptors := make([]relay.Descriptor, 0, len(req.Relays))
	for _, r := range req.Relays {
		kind := relay.Stun
		if r.CredentialType != "" {
			kind = relay.Turn
		}
		descriptors = append(descriptors, relay.Descriptor{
			Kind:     kind,
			URI:      r.URI,
			Username: r.Username,
			Password: r.Password,
		})
	}
	if len(descriptors) == 0 {
		descriptors = o.getDefaultRelays()
	}

	queue := make(chan *pionwebrtc.ICECandidate, iceQueueCapacity)
	o.iceQueueMu.Lock()
	o.iceQueues[connID] = queue
	o.iceQueueMu.Unlock()
	go o.forwardICECandidates(connID, queue)

	gw, err := webrtc.NewPeer(webrtc.PeerConfig{
		ICEServers: relay.ToICEServers(descriptors),
		ForceRelay: o.cfg.ForceRelay,
		ConnID:     connID,
		Logger:     o.log,
		OnICECandidate: func(c *pionwebrtc.ICECandidate) {
			if c == nil {
				return
			}
			select {
			case queue <- c:
			default:
				o.log.Warn("ice candidate queue full, dropping candidate", "conn_id", connID.String())
			}
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			o.handleDataChannelOpen(connID, req, dc)
		},
		OnDataChannelClose: func() {
			o.CleanupConnection(connID)
		},
		OnConnectionStateChange: func(state pionwebrtc.PeerConnectionState) {
			if state == pionwebrtc.PeerConnectionStateFailed || state == pionwebrtc.PeerConnectionStateClosed {
				o.CleanupConnection(connID)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: creating peer for %s: %w", connID, err)
	}

	o.cfg.Table.InsertPeerConnection(connID, gw)
	o.cfg.Table.SetAwaiting(connID, routing.PendingState{
		Kind:      connID.Kind,
		CreatedAt: time.Now(),
		Data:      req,
	})

	answer, err := gw.HandleOffer(req.Offer)
	if err != nil {
		o.CleanupConnection(connID)
		return fmt.Errorf("orchestrator: answering offer for %s: %w", connID, err)
	}

	if err := o.cfg.Send(protocol.ConnectionReady{ConnID: req.ConnID, Answer: answer}); err != nil {
		return fmt.Errorf("orchestrator: sending connection_ready for %s: %w", connID, err)
	}

	return nil
}

// HandleICECandidate implements add_ice_candidate: it applies a trickled
// remote ICE candidate to the named connection's in-flight peer.
func (o *Orchestrator) HandleICECandidate(msg protocol.ICECandidateRelay) error {
	var connID routing.ConnID
	if err := connID.UnmarshalText([]byte(msg.ConnID)); err != nil {
		return fmt.Errorf("orchestrator: parsing conn id %q: %w", msg.ConnID, err)
	}

	pc, ok := o.cfg.Table.PeerConnectionFor(connID)
	if !ok {
		return fmt.Errorf("%w: no in-flight connection for %s", gwerr.ErrControlProtocol, connID)
	}

	gw, ok := pc.(*webrtc.Peer)
	if !ok {
		return fmt.Errorf("%w: unexpected peer connection type for %s", gwerr.ErrControlProtocol, connID)
	}

	if err := gw.AddICECandidate(msg.Candidate); err != nil {
		return fmt.Errorf("orchestrator: adding ice candidate for %s: %w", connID, err)
	}
	return nil
}

// HandleReuseConnection records allowed IPs pending for a gateway peer that
// has not yet reopened its data channel, so InsertPeer can graft them once
// it does (the gateway-reuse path).
func (o *Orchestrator) HandleReuseConnection(msg protocol.ReuseConnection) error {
	gwID, err := uuid.Parse(msg.GatewayID)
	if err != nil {
		return fmt.Errorf("orchestrator: parsing gateway id %q: %w", msg.GatewayID, err)
	}
	for _, ipStr := range msg.AllowedIPs {
		prefix, err := netip.ParsePrefix(ipStr)
		if err != nil {
			addr, err2 := netip.ParseAddr(ipStr)
			if err2 != nil {
				o.log.Warn("reuse_connection: skipping unparsable allowed ip", "ip", ipStr)
				continue
			}
			o.cfg.Table.AddGatewayAwaitingIP(gwID, addr)
			continue
		}
		o.cfg.Table.AddGatewayAwaitingIP(gwID, prefix.Addr())
	}
	return nil
}

// handleDataChannelOpen implements the data-channel-open peer construction
// path: builds the per-peer WireGuard tunnel, binds the data channel as its
// transport, makes it routable, and starts its ingress packet loop.
func (o *Orchestrator) handleDataChannelOpen(connID routing.ConnID, req protocol.ConnectionRequest, dc *pionwebrtc.DataChannel) {
	if _, ok := o.cfg.DeviceSlot.Get(); !ok {
		o.log.Error("no device bound, refusing to start peer", "conn_id", connID.String())
		o.cfg.Callbacks.Error(gwerr.ErrNoIface)
		o.CleanupConnection(connID)
		return
	}

	publicKey, err := config.ParseKey(req.PeerPublicKey)
	if err != nil {
		o.log.Error("invalid peer public key, dropping connection", "conn_id", connID.String(), "error", err)
		o.CleanupConnection(connID)
		return
	}

	var presharedKey config.Key
	if req.PresharedKey != "" {
		presharedKey, err = config.ParseKey(req.PresharedKey)
		if err != nil {
			o.log.Error("invalid preshared key, dropping connection", "conn_id", connID.String(), "error", err)
			o.CleanupConnection(connID)
			return
		}
	}
	allowedAddrs := make([]netip.Addr, 0, len(req.AllowedIPs))
	allowedStrs := make([]string, 0, len(req.AllowedIPs))
	for _, ipStr := range req.AllowedIPs {
		prefix, err := netip.ParsePrefix(ipStr)
		if err != nil {
			o.log.Warn("skipping unparsable allowed ip", "conn_id", connID.String(), "ip", ipStr)
			continue
		}
		allowedAddrs = append(allowedAddrs, prefix.Addr())
		allowedStrs = append(allowedStrs, prefix.String())
	}

	index := o.nextIndex.Add(1)
	peerTun, err := tunnel.NewPeerTunnel(o.cfg.LocalPrivateKey, tunnel.PeerConfig{
		PublicKey:           publicKey,
		PresharedKey:        presharedKey,
		Endpoint:            connID.String(),
		AllowedIPs:          allowedStrs,
		PersistentKeepalive: req.PersistentKeepalive,
	}, index, o.log)
	if err != nil {
		o.log.Error("bringing up peer tunnel", "conn_id", connID.String(), "error", err)
		o.cfg.Callbacks.Error(err)
		o.CleanupConnection(connID)
		return
	}

	peerTun.BindDataChannel(webrtc.NewDataChannelAdapter(dc))

	p := peer.New(index, connID, peerTun, allowedAddrs)

	var gwID routing.GatewayID
	if connID.Kind == routing.Gateway {
		gwID = connID.ID
	}
	o.cfg.Table.InsertPeer(connID, gwID, p, allowedAddrs)

	o.peersMu.Lock()
	o.peers[connID] = p
	o.peersMu.Unlock()

	go o.packetLoop(p)

	o.cfg.Callbacks.TunnelReady(connID)
	o.log.Info("peer tunnel ready", "conn_id", connID.String(), "allowed_ips", allowedStrs)
}

// packetLoop reads every packet the peer's tunnel decrypts and forwards it
// through the ingress path: ACL check, resource resolution, rewrite,
// device write.
func (o *Orchestrator) packetLoop(p *peer.Peer) {
	for pkt := range p.Tunnel.Ingress() {
		o.handleIngressPacket(p, pkt)
	}
}

func (o *Orchestrator) handleIngressPacket(p *peer.Peer, pkt []byte) {
	src, err := packet.SourceAddr(pkt)
	if err != nil {
		o.log.Debug("dropping packet with unparsable source", "error", err)
		return
	}
	if !p.IsAllowed(src) {
		o.log.Warn("dropping packet from disallowed source", "conn_id", p.ConnID.String(), "src", src)
		return
	}

	dst, err := packet.DestAddr(pkt)
	if err != nil {
		o.log.Debug("dropping packet with unparsable destination", "error", err)
		return
	}

	out := pkt
	if res, scoped := p.GetPacketResource(dst); scoped {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		newDst, newPort, err := o.cfg.Resolver.Resolve(ctx, p, res, src, dst)
		cancel()
		if err != nil {
			o.log.Warn("dropping packet, resource resolution failed", "conn_id", p.ConnID.String(), "error", err)
			o.cfg.Callbacks.Error(err)
			return
		}
		rewritten, err := packet.Rewrite(pkt, newDst, newPort)
		if err != nil {
			o.log.Warn("dropping packet, rewrite failed", "conn_id", p.ConnID.String(), "error", err)
			return
		}
		out = rewritten
	}

	p.RecordRx(len(out))

	sink, ok := o.cfg.DeviceSlot.Get()
	if !ok {
		o.cfg.Callbacks.Error(gwerr.ErrNoIface)
		return
	}
	if len(out) == 0 {
		return
	}
	if out[0]>>4 == 6 {
		sink.WriteV6(out)
	} else {
		sink.WriteV4(out)
	}
}

// EgressToClient routes a device-originated packet to the peer tunnel
// responsible for dstIP, encrypting and delivering it over that peer's
// data channel. Used by the device-read loop (outside this package) for
// LAN-to-client traffic.
func (o *Orchestrator) EgressToClient(dstIP netip.Addr, pkt []byte) bool {
	rp, ok := o.cfg.Table.Lookup(dstIP)
	if !ok {
		return false
	}
	p, ok := rp.(*peer.Peer)
	if !ok {
		return false
	}
	p.Tunnel.SendToPeer(pkt)
	p.RecordTx(len(pkt))
	return true
}

// CleanupConnection implements cleanup_connection: it tears down whatever
// resources exist for connID — the in-flight peer connection, the ICE
// queue, and any routable
// peer — regardless of which teardown path triggered it.
func (o *Orchestrator) CleanupConnection(connID routing.ConnID) {
	o.iceQueueMu.Lock()
	if q, ok := o.iceQueues[connID]; ok {
		delete(o.iceQueues, connID)
		close(q)
	}
	o.iceQueueMu.Unlock()

	o.peersMu.Lock()
	p, ok := o.peers[connID]
	if ok {
		delete(o.peers, connID)
	}
	o.peersMu.Unlock()

	if pc, ok := o.cfg.Table.PeerConnectionFor(connID); ok {
		if err := pc.Close(); err != nil {
			o.log.Warn("closing peer connection", "conn_id", connID.String(), "error", err)
		}
	}

	if ok {
		o.cfg.Table.RemovePeer(connID, p)
		p.Close()
	} else {
		o.cfg.Table.CleanupConnection(connID, nil)
	}
}

// Snapshot returns the gateway's current statistics for the control-plane
// loop's periodic StatsEvent.
func (o *Orchestrator) Snapshot() protocol.StatsEvent {
	o.peersMu.Lock()
	var rx, tx uint64
	for _, p := range o.peers {
		pr, pt := p.ByteCounters()
		rx += pr
		tx += pt
	}
	o.peersMu.Unlock()

	return protocol.StatsEvent{
		GatewayID: o.cfg.GatewayID,
		Peers:     o.cfg.Table.PeerCount(),
		RxBytes:   rx,
		TxBytes:   tx,
		Uptime:    time.Since(o.startedAt),
	}
}

func (o *Orchestrator) forwardICECandidates(connID routing.ConnID, queue chan *pionwebrtc.ICECandidate) {
	for c := range queue {
		err := o.cfg.Send(protocol.ICECandidateRelay{
			ConnID:    connID.String(),
			Candidate: c.ToJSON().Candidate,
		})
		if err != nil {
			o.log.Warn("sending ice candidate to portal", "conn_id", connID.String(), "error", err)
		}
	}
}
