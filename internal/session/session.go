// Package session is the gateway's top-level supervisor: it owns the
// portal connection's reconnection loop and the lifetime of the
// orchestrator and control-plane loop built on top of it, replacing the
// Tokio runtime of connlib's gateway session with a context and an
// errgroup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kuuji/gatewayd/internal/callback"
	"github.com/kuuji/gatewayd/internal/config"
	"github.com/kuuji/gatewayd/internal/controlplane"
	"github.com/kuuji/gatewayd/internal/deviceio"
	"github.com/kuuji/gatewayd/internal/gwerr"
	"github.com/kuuji/gatewayd/internal/orchestrator"
	"github.com/kuuji/gatewayd/internal/portal"
	"github.com/kuuji/gatewayd/internal/protocol"
	"github.com/kuuji/gatewayd/internal/resource"
	"github.com/kuuji/gatewayd/internal/routing"
)

// Config configures a Session.
type Config struct {
	PortalURL       string
	GatewayID       string
	Token           string
	LocalPrivateKey config.Key

	DefaultSTUNServers []string
	ForceRelay         bool

	Table      *routing.Table
	Resolver   *resource.Resolver
	DeviceSlot *deviceio.Slot
	Callbacks  *callback.Set

	Logger *slog.Logger
}

// Session supervises one gateway's lifetime: it dials the portal, brings
// up the orchestrator and control-plane loop on a successful join, and
// redials with unbounded exponential backoff whenever the portal
// connection drops, until its context is cancelled.
type Session struct {
	cfg Config
	log *slog.Logger

	// orch is exposed for the device-read loop to route LAN-to-client
	// traffic via EgressToClient; it is replaced on every reconnect.
	orchMu sync.RWMutex
	orch   *orchestrator.Orchestrator
}

// New constructs a Session. Call Run to start it.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{cfg: cfg, log: log.With("component", "session")}
}

// Orchestrator returns the current orchestrator, or nil if the session
// has never completed a portal join.
func (s *Session) Orchestrator() *orchestrator.Orchestrator {
	s.orchMu.RLock()
	defer s.orchMu.RUnlock()
	return s.orch
}

// Run blocks, reconnecting to the portal with unbounded exponential
// backoff on every disconnect, until ctx is cancelled. Every failed join
// is retried, including one caused by a malformed portal URL; Run does
// not return gwerr.ErrURI. A panic that unwinds through Run's own
// goroutine is recovered, reported via callbacks.OnDisconnect and ends
// the run, as connlib's global panic hook does before dropping its
// runtime; goroutines started by the orchestrator (per-peer packet loops,
// ICE-candidate forwarders) are not covered by this recover.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			s.log.Error("recovered panic in session", "error", err)
			s.cfg.Callbacks.Disconnect(err)
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // unbounded: keep retrying until the context is cancelled.

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		runErr := s.runOnce(ctx, bo)
		if runErr == nil || errors.Is(runErr, context.Canceled) {
			return runErr
		}

		wait := bo.NextBackOff()
		s.log.Warn("portal connection lost, retrying", "error", runErr, "backoff", wait)
		s.cfg.Callbacks.Error(&gwerr.PortalConnectionError{Err: runErr})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runOnce performs a single join attempt and, on success, resets bo (the
// Rust source's exponential_backoff.reset(), invoked from PhoenixChannel's
// on-connect callback) and runs the control-plane loop until the portal
// connection drops or ctx is cancelled.
func (s *Session) runOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := portal.NewClient(portal.ClientConfig{
		URL:       s.cfg.PortalURL,
		GatewayID: s.cfg.GatewayID,
		Token:     s.cfg.Token,
		Logger:    s.log,
	})

	if err := client.Connect(runCtx); err != nil {
		return fmt.Errorf("session: joining portal: %w", err)
	}
	defer client.Close()

	bo.Reset()
	s.log.Info("joined portal", "gateway_id", s.cfg.GatewayID)

	sendFn := func(msg protocol.Message) error {
		return client.Send(runCtx, msg)
	}

	orch := orchestrator.New(orchestrator.Config{
		LocalPrivateKey:    s.cfg.LocalPrivateKey,
		GatewayID:          s.cfg.GatewayID,
		DefaultSTUNServers: s.cfg.DefaultSTUNServers,
		ForceRelay:         s.cfg.ForceRelay,
		Table:              s.cfg.Table,
		Resolver:           s.cfg.Resolver,
		DeviceSlot:         s.cfg.DeviceSlot,
		Callbacks:          s.cfg.Callbacks,
		Send:               sendFn,
		Logger:             s.log,
	})

	s.orchMu.Lock()
	s.orch = orch
	s.orchMu.Unlock()

	loop := controlplane.New(controlplane.Config{
		Orchestrator: orch,
		Messages:     client.Messages(),
		Send:         sendFn,
		Logger:       s.log,
	})

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return loop.Run(gCtx) })

	return g.Wait()
}

// panicError converts a recovered panic payload into a gwerr type,
// mirroring connlib's panic hook (gateway-shared/src/lib.rs).
func panicError(r any) error {
	if s, ok := r.(string); ok {
		return &gwerr.Panic{Payload: s}
	}
	if e, ok := r.(error); ok {
		return &gwerr.Panic{Payload: e.Error()}
	}
	return &gwerr.PanicNonStringPayload{}
}
