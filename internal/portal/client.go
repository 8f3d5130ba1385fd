// Package portal implements the gateway's control-channel connection to
// the coordination portal: a Phoenix-channel-style join/heartbeat/reply
// envelope wrapped around the tagged-union wire messages in
// internal/protocol.
//
// Client does not reconnect itself — the session supervisor owns the
// reconnection loop, since the portal connection's failure mode is "the
// whole gateway session restarts," not "silently redial in the
// background."
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/gatewayd/internal/protocol"
)

// topic is the single Phoenix channel topic the gateway joins.
const topic = "gateway"

const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventHeartbeat = "heartbeat"
)

// heartbeatInterval matches Phoenix's default client heartbeat cadence.
const heartbeatInterval = 30 * time.Second

// envelope is the Phoenix-style wire frame: every message, inbound or
// outbound, is addressed to a topic and tagged with an event name, with a
// ref the portal may echo back in a phx_reply.
type envelope struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientConfig configures a portal Client.
type ClientConfig struct {
	// URL is the portal's WebSocket endpoint.
	URL string

	// GatewayID identifies this gateway to the portal in the join payload.
	GatewayID string

	// Token authenticates the join; sent both as a bearer header on dial
	// and inside the join payload, matching a portal that accepts either.
	Token string

	// Logger is the structured logger to use. Defaults to slog.Default().
	Logger *slog.Logger

	// DialTimeout bounds a single dial attempt. Defaults to 10s.
	DialTimeout time.Duration
}

// Client is a single, non-reconnecting connection to the portal's gateway
// channel. Connect blocks until the join is acknowledged; Messages
// delivers decoded domain messages; the channel closes when the
// connection drops or Close is called.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	msgCh chan protocol.Message
	done  chan struct{}

	joinRef string
	refSeq  atomic.Uint64

	mu   sync.Mutex
	conn *websocket.Conn

	cancel context.CancelFunc
}

// msgChanCapacity is the inbound message channel's fixed buffer size: one
// slot, so a second inbound message blocks the receive loop until the
// consumer has accepted the one ahead of it. This is what gives the
// control-plane loop backpressure over the portal rather than an
// unbounded (or silently-dropping) queue.
const msgChanCapacity = 1

// NewClient constructs a Client. Call Connect to dial and join.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:   cfg,
		log:   log.With("component", "portal"),
		msgCh: make(chan protocol.Message, msgChanCapacity),
		done:  make(chan struct{}),
	}
}

// Messages returns the channel of decoded inbound domain messages. It is
// closed once the connection ends, by any cause.
func (c *Client) Messages() <-chan protocol.Message { return c.msgCh }

// Connect dials the portal, sends phx_join, and blocks until the join is
// acknowledged (or fails). On success it starts the heartbeat and receive
// loops in the background.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(runCtx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.Token},
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("portal: dialing %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.joinRef = c.nextRef()
	joinPayload, err := json.Marshal(map[string]string{
		"gateway_id": c.cfg.GatewayID,
		"token":      c.cfg.Token,
	})
	if err != nil {
		cancel()
		c.closeConn()
		return fmt.Errorf("portal: encoding join payload: %w", err)
	}

	if err := c.writeEnvelope(runCtx, envelope{
		JoinRef: c.joinRef,
		Ref:     c.joinRef,
		Topic:   topic,
		Event:   eventJoin,
		Payload: joinPayload,
	}); err != nil {
		cancel()
		c.closeConn()
		return fmt.Errorf("portal: sending join: %w", err)
	}

	if err := c.awaitJoinReply(runCtx); err != nil {
		cancel()
		c.closeConn()
		return fmt.Errorf("portal: join rejected: %w", err)
	}

	c.log.Info("joined portal gateway channel", "url", c.cfg.URL)

	go c.heartbeatLoop(runCtx)
	go c.receiveLoop(runCtx)

	return nil
}

// awaitJoinReply reads frames until the portal acknowledges the join,
// rejects it, or ctx ends. DialTimeout does not bound this wait.
func (c *Client) awaitJoinReply(ctx context.Context) error {
	for {
		env, err := c.readEnvelope(ctx)
		if err != nil {
			return err
		}
		switch env.Event {
		case eventReply:
			return nil
		case eventError:
			return fmt.Errorf("portal rejected join: %s", string(env.Payload))
		default:
			// A message arriving before the reply is unusual but not
			// fatal; queue it so it isn't lost once the receive loop
			// takes over.
			c.deliver(ctx, env)
		}
	}
}

// Send encodes msg with protocol.Marshal and wraps it in an envelope
// addressed to the gateway topic, tagged with the message's own type as
// the Phoenix event name.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("portal: marshaling %s: %w", msg.MessageType(), err)
	}
	return c.writeEnvelope(ctx, envelope{
		Ref:     c.nextRef(),
		Topic:   topic,
		Event:   msg.MessageType(),
		Payload: payload,
	})
}

// Close tears down the connection and waits for the receive loop to exit.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	<-c.done
	return nil
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.refSeq.Add(1), 10)
}

func (c *Client) writeEnvelope(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("portal: not connected")
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readEnvelope(ctx context.Context) (envelope, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return envelope{}, errors.New("portal: not connected")
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}

// deliver decodes a non-control envelope's payload as a domain message and
// sends it on the single-slot message channel, logging and dropping the
// frame on a parse error rather than taking down the connection. The send
// blocks until the consumer accepts the previous message (or ctx is
// cancelled) — this is the backpressure that serializes the portal's
// inbound stream one message at a time.
func (c *Client) deliver(ctx context.Context, env envelope) {
	msg, err := protocol.Unmarshal(taggedPayload(env))
	if err != nil {
		c.log.Warn("ignoring malformed portal message", "event", env.Event, "error", err)
		return
	}
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
	}
}

// taggedPayload re-attaches the envelope's event name as the payload's
// "type" discriminator, since protocol.Unmarshal expects a flat JSON
// object rather than a Phoenix envelope.
func taggedPayload(env envelope) []byte {
	payload := env.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	typeBytes, err := json.Marshal(env.Event)
	if err != nil {
		return payload
	}
	obj["type"] = typeBytes

	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.writeEnvelope(ctx, envelope{
				Ref:   c.nextRef(),
				Topic: "phoenix",
				Event: eventHeartbeat,
			})
			if err != nil {
				c.log.Warn("sending heartbeat", "error", err)
				return
			}
		}
	}
}

// receiveLoop reads frames until the connection closes or the context is
// cancelled, decoding and delivering every non-control event.
func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer c.closeConn()

	for {
		env, err := c.readEnvelope(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("portal connection lost", "error", err)
			}
			return
		}

		switch env.Event {
		case eventReply, eventHeartbeat:
			// Acks for our own ref/heartbeat traffic; nothing to deliver.
		case eventError:
			c.log.Warn("portal reported a channel error", "payload", string(env.Payload))
		default:
			c.deliver(ctx, env)
		}
	}
}
