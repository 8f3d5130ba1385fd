// Package protocol defines the portal control-channel wire messages
// used between the gateway and the portal: connection requests,
// ICE-candidate relays, reuse notifications, administrative messages,
// and the gateway's outbound statistics event.
//
// All messages are JSON-encoded with a "type" discriminator field, and
// are marshaled/unmarshaled through a single tagged-union registry.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is implemented by every portal wire message.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "connection_request").
	MessageType() string
}

// RelayDescriptor is the wire shape of a STUN/TURN relay entry:
// STUN carries only a URI; TURN additionally carries
// credentials with credential_type "password".
type RelayDescriptor struct {
	URI            string `json:"uri"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
}

// ConnectionRequest is a portal-to-gateway Message asking the gateway to open a new
// peer connection: the peer's WireGuard public key, preshared key,
// allowed IPs, the relay list to use for ICE, and the client's SDP offer.
// The gateway is always the answerer — it never originates an offer —
// so there is no separate "create offer" operation on the gateway side.
type ConnectionRequest struct {
	ConnID              string            `json:"conn_id"`
	PeerPublicKey       string            `json:"peer_public_key"`
	PresharedKey        string            `json:"preshared_key,omitempty"`
	AllowedIPs          []string          `json:"allowed_ips"`
	Relays              []RelayDescriptor `json:"relays"`
	PersistentKeepalive int               `json:"persistent_keepalive,omitempty"`
	Offer               string            `json:"offer"`
}

func (ConnectionRequest) MessageType() string { return "connection_request" }

// ConnectionReady is the gateway's reply to a ConnectionRequest: the SDP
// answer generated from the client's offer. The portal forwards it to the
// requesting client, which applies it as its remote description.
type ConnectionReady struct {
	ConnID string `json:"conn_id"`
	Answer string `json:"answer"`
}

func (ConnectionReady) MessageType() string { return "connection_ready" }

// ReuseConnection notifies the gateway that a previously-seen gateway
// peer is reconnecting and should reuse its existing tunnel rather than
// renegotiate ICE from scratch.
type ReuseConnection struct {
	ConnID     string   `json:"conn_id"`
	GatewayID  string   `json:"gateway_id"`
	AllowedIPs []string `json:"allowed_ips"`
}

func (ReuseConnection) MessageType() string { return "reuse_connection" }

// ICECandidateRelay carries one ICE candidate, scoped by conn_id, in
// either direction (gateway to portal, or portal to gateway).
type ICECandidateRelay struct {
	ConnID    string `json:"conn_id"`
	Candidate string `json:"candidate"`
}

func (ICECandidateRelay) MessageType() string { return "ice_candidate" }

// AdminMessage carries an administrative directive from the portal
// (e.g. force-disconnect a client).
type AdminMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (AdminMessage) MessageType() string { return "admin" }

// BroadcastConfig is pushed by the portal to update gateway-wide
// configuration without a reconnect (e.g. a refreshed relay list).
type BroadcastConfig struct {
	Relays []RelayDescriptor `json:"relays,omitempty"`
}

func (BroadcastConfig) MessageType() string { return "broadcast_config" }

// StatsEvent is the gateway's periodic statistics report, emitted by the
// control-plane loop's 10-second ticker; the payload shape below is this
// module's own design decision.
type StatsEvent struct {
	GatewayID string        `json:"gateway_id"`
	Peers     int           `json:"peers"`
	RxBytes   uint64        `json:"rx_bytes"`
	TxBytes   uint64        `json:"tx_bytes"`
	Uptime    time.Duration `json:"uptime"`
}

func (StatsEvent) MessageType() string { return "stats" }

var messageTypes = map[string]func() Message{
	"connection_request": func() Message { return &ConnectionRequest{} },
	"connection_ready":    func() Message { return &ConnectionReady{} },
	"reuse_connection":    func() Message { return &ReuseConnection{} },
	"ice_candidate":       func() Message { return &ICECandidateRelay{} },
	"admin":               func() Message { return &AdminMessage{} },
	"broadcast_config":    func() Message { return &BroadcastConfig{} },
	"stats":               func() Message { return &StatsEvent{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON message, using the "type" discriminator
// to decode into the correct concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
