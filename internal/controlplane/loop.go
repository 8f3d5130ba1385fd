// Package controlplane drains the portal's inbound message stream and
// dispatches each message to the orchestrator via a type-switch dispatch
// loop. It also owns the periodic statistics report the gateway pushes
// back to the portal.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kuuji/gatewayd/internal/protocol"
	"github.com/kuuji/gatewayd/internal/relay"
	"github.com/kuuji/gatewayd/internal/routing"
)

// statsInterval matches the Rust session supervisor's stats-reporting
// ticker (a 10-second interval).
const statsInterval = 10 * time.Second

// Orchestrator is the subset of orchestrator.Orchestrator the loop drives.
type Orchestrator interface {
	HandleConnectionRequest(req protocol.ConnectionRequest) error
	HandleICECandidate(msg protocol.ICECandidateRelay) error
	HandleReuseConnection(msg protocol.ReuseConnection) error
	CleanupConnection(connID routing.ConnID)
	SetDefaultRelays(relays []relay.Descriptor)
	Snapshot() protocol.StatsEvent
}

// Config configures a Loop.
type Config struct {
	Orchestrator Orchestrator

	// Messages is the portal's decoded inbound message stream.
	Messages <-chan protocol.Message

	// Send transmits an outbound message to the portal (used for the
	// periodic StatsEvent).
	Send func(protocol.Message) error

	Logger *slog.Logger
}

// Loop consumes portal messages one at a time and reports gateway
// statistics on a fixed interval.
type Loop struct {
	cfg Config
	log *slog.Logger
}

// New constructs a Loop. cfg.Orchestrator, cfg.Messages, and cfg.Send must
// be non-nil.
func New(cfg Config) *Loop {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Loop{cfg: cfg, log: log.With("component", "controlplane")}
}

// Run drains cfg.Messages and ticks the stats reporter until ctx is
// cancelled or the message channel closes.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-l.cfg.Messages:
			if !ok {
				return fmt.Errorf("controlplane: portal message channel closed")
			}
			if err := l.dispatch(msg); err != nil {
				l.log.Error("handling portal message", "type", msg.MessageType(), "error", err)
			}
		case <-ticker.C:
			if err := l.cfg.Send(l.cfg.Orchestrator.Snapshot()); err != nil {
				l.log.Warn("sending stats event", "error", err)
			}
		}
	}
}

// dispatch routes a single portal message to its orchestrator handler
// via a type-switch on the message's concrete type.
func (l *Loop) dispatch(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.ConnectionRequest:
		return l.cfg.Orchestrator.HandleConnectionRequest(*m)
	case *protocol.ICECandidateRelay:
		return l.cfg.Orchestrator.HandleICECandidate(*m)
	case *protocol.ReuseConnection:
		return l.cfg.Orchestrator.HandleReuseConnection(*m)
	case *protocol.BroadcastConfig:
		l.applyBroadcastConfig(m)
		return nil
	case *protocol.AdminMessage:
		return l.applyAdminMessage(m)
	default:
		l.log.Debug("ignoring unknown portal message type", "type", msg.MessageType())
		return nil
	}
}

// applyBroadcastConfig pushes a refreshed relay list into the
// orchestrator's default-relay fallback.
func (l *Loop) applyBroadcastConfig(m *protocol.BroadcastConfig) {
	descriptors := make([]relay.Descriptor, 0, len(m.Relays))
	for _, r := range m.Relays {
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
	l.cfg.Orchestrator.SetDefaultRelays(descriptors)
	l.log.Info("applied broadcast relay config", "relay_count", len(descriptors))
}

// adminDisconnectData is the payload shape for an AdminMessage whose
// Action is "disconnect": force-close one connection.
type adminDisconnectData struct {
	ConnID string `json:"conn_id"`
}

// applyAdminMessage handles an administrative directive from the portal.
// The only action currently defined is "disconnect", which tears down one
// named connection; unrecognized actions are logged and ignored.
func (l *Loop) applyAdminMessage(m *protocol.AdminMessage) error {
	switch m.Action {
	case "disconnect":
		var data adminDisconnectData
		if len(m.Data) > 0 {
			if err := json.Unmarshal(m.Data, &data); err != nil {
				return fmt.Errorf("controlplane: decoding disconnect directive: %w", err)
			}
		}
		var connID routing.ConnID
		if err := connID.UnmarshalText([]byte(data.ConnID)); err != nil {
			return fmt.Errorf("controlplane: parsing conn id %q: %w", data.ConnID, err)
		}
		l.cfg.Orchestrator.CleanupConnection(connID)
		return nil
	default:
		l.log.Warn("ignoring unrecognized admin action", "action", m.Action)
		return nil
	}
}
