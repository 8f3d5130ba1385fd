// Package webrtc wraps a pion RTCPeerConnection into the gateway's
// answerer-only peer abstraction: the gateway never originates an SDP
// offer, it only ever answers one forwarded by the portal on behalf of
// a connecting client.
package webrtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/gatewayd/internal/routing"
)

// PeerConfig holds configuration for creating a Peer.
type PeerConfig struct {
	// ICEServers is the STUN/TURN server list for this connection,
	// already translated from relay.Descriptor via relay.ToICEServers.
	ICEServers []webrtc.ICEServer

	// ForceRelay restricts ICE to the relay (TURN) candidate type,
	// bypassing direct host/srflx connectivity.
	ForceRelay bool

	// API is an optional custom webrtc.API instance (e.g. with a
	// SettingEngine configured with a TURN-over-WebSocket proxy dialer).
	// If nil, the default pion API is used.
	API *webrtc.API

	// ConnID identifies the connection this peer belongs to (used for
	// logging and as the ICE-candidate queue key by the caller).
	ConnID routing.ConnID

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// OnICECandidate is called when a local ICE candidate is gathered.
	// The caller enqueues it for relaying to the portal. It is never
	// called with nil; the end of gathering is only logged.
	OnICECandidate func(candidate *webrtc.ICECandidate)

	// OnDataChannel is called when the client's data channel arrives and
	// opens.
	OnDataChannel func(dc *webrtc.DataChannel)

	// OnDataChannelClose is called when the data channel closes, even if
	// the peer connection itself stays in a Connected state. The caller
	// tears the peer down on this signal — a closed data channel means
	// the tunnel is dead regardless of the underlying ICE transport.
	OnDataChannelClose func()

	// OnConnectionStateChange is called when the peer connection state
	// changes. The orchestrator uses a transition to Failed to tear the
	// peer down.
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

// Peer wraps a pion RTCPeerConnection on the answerer side of the SDP
// exchange and manages ICE candidate trickle and data channel lifecycle
// for a single connection.
type Peer struct {
	cfg  PeerConfig
	log  *slog.Logger
	pc   *webrtc.PeerConnection
	done chan struct{}

	mu sync.Mutex
	dc *webrtc.DataChannel
}

// NewPeer creates a new RTCPeerConnection. It does not yet have a remote
// description — call HandleOffer with the client's SDP offer to proceed.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("conn_id", cfg.ConnID.String())

	rtcConfig := webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	}
	if cfg.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
		log.Info("ICE transport policy set to relay-only (force_relay enabled)")
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if cfg.API != nil {
		pc, err = cfg.API.NewPeerConnection(rtcConfig)
	} else {
		pc, err = webrtc.NewPeerConnection(rtcConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		cfg:  cfg,
		log:  log,
		pc:   pc,
		done: make(chan struct{}),
	}

	// Register ICE candidate callback — the caller enqueues gathered
	// candidates for relaying to the portal (trickle ICE).
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}
		p.log.Debug("ICE candidate gathered", "candidate", c.String())
		if p.cfg.OnICECandidate != nil {
			p.cfg.OnICECandidate(c)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("peer connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.mu.Lock()
			select {
			case <-p.done:
			default:
				close(p.done)
			}
			p.mu.Unlock()
		}
	})

	// The client is always the offerer, so it always creates the data
	// channel; the gateway only ever receives one.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Info("remote data channel received", "label", dc.Label())
		p.setupDataChannel(dc)
	})

	return p, nil
}

// HandleOffer sets the client's SDP offer as the remote description,
// creates an SDP answer, and sets it as the local description. The
// caller sends the returned SDP back to the client via the portal as a
// protocol.ConnectionReady message.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.log.Debug("SDP answer created")
	return answer.SDP, nil
}

// HasRemoteDescription reports whether the client's offer has been
// applied yet. pion rejects AddICECandidate calls made before
// SetRemoteDescription; the orchestrator does not buffer such early
// candidates.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// AddICECandidate adds one ICE candidate received from the client via
// the portal.
func (p *Peer) AddICECandidate(candidate string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: candidate,
	}); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}

	p.log.Debug("remote ICE candidate added", "candidate", candidate)
	return nil
}

// DataChannel returns the current data channel, or nil if the client's
// channel hasn't arrived yet.
func (p *Peer) DataChannel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

// ICECandidateType returns the type of the selected local ICE candidate
// ("host", "srflx", "relay"), or "unknown" if no pair is selected yet —
// used to report whether a connection is direct or relayed.
func (p *Peer) ICECandidateType() string {
	pair, err := p.pc.SCTP().Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return "unknown"
	}
	return pair.Local.Typ.String()
}

// ConnectionState returns the current peer connection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Done returns a channel that is closed once the peer connection fails
// or closes.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close gracefully closes the data channel and peer connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	dc := p.dc
	p.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			p.log.Warn("closing data channel", "error", err)
		}
	}

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}

	p.log.Info("peer connection closed")
	return nil
}

func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("data channel open", "label", dc.Label())
		if p.cfg.OnDataChannel != nil {
			p.cfg.OnDataChannel(dc)
		}
	})

	dc.OnClose(func() {
		p.log.Info("data channel closed", "label", dc.Label())
		if p.cfg.OnDataChannelClose != nil {
			p.cfg.OnDataChannelClose()
		}
	})

	dc.OnError(func(err error) {
		p.log.Error("data channel error", "label", dc.Label(), "error", err)
	})
}
