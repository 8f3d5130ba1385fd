package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

// WSProxyDialer dials a relay's TURN-over-WebSocket endpoint and returns a
// net.Conn, for relay descriptors whose URI is a ws:// or wss:// endpoint
// rather than a bare turn:/turns: address — used when the portal's relay
// list routes TURN traffic through its own control-channel front door
// instead of a directly reachable TURN server. pion/ice's relay candidate
// gathering calls this in place of a raw TCP dial.
type WSProxyDialer struct {
	// Endpoint is the WebSocket URL for the TURN relay.
	Endpoint string

	// AuthToken is the bearer token for authenticating the WebSocket upgrade,
	// taken from the relay descriptor's credentials.
	AuthToken string
}

// Dial implements pion/ice's proxy.Dialer. network and addr describe the
// TURN server address pion/ice was configured with; they are ignored in
// favor of dialing Endpoint directly.
func (d *WSProxyDialer) Dial(network, addr string) (net.Conn, error) {
	ctx := context.Background()

	wsConn, _, err := websocket.Dial(ctx, d.Endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.AuthToken},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: dialing TURN websocket %s: %w", d.Endpoint, err)
	}

	netConn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	// pion/ice does a forced type assertion to *net.TCPAddr on LocalAddr();
	// websocket.NetConn's mock addr panics on that assertion, so wrap it.
	return &turnConn{
		Conn:       netConn,
		localAddr:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		remoteAddr: parseTCPAddr(addr),
	}, nil
}

// turnConn wraps a net.Conn and overrides LocalAddr/RemoteAddr to return
// *net.TCPAddr, matching what pion/ice's gather.go expects.
type turnConn struct {
	net.Conn
	localAddr  *net.TCPAddr
	remoteAddr *net.TCPAddr
}

func (c *turnConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *turnConn) RemoteAddr() net.Addr { return c.remoteAddr }

// parseTCPAddr parses "host:port" into a *net.TCPAddr, resolving a hostname
// if necessary. Falls back to loopback if nothing resolves.
func parseTCPAddr(addr string) *net.TCPAddr {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return &net.TCPAddr{IP: net.ParseIP(strings.TrimSpace(addr)), Port: 443}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			ip = net.IPv4(127, 0, 0, 1)
		} else {
			ip = ips[0]
		}
	}

	port := 443
	if n, err := net.LookupPort("tcp", portStr); err == nil {
		port = n
	}

	return &net.TCPAddr{IP: ip, Port: port}
}

// IsWebSocketRelay reports whether a relay URI should be reached via
// WSProxyDialer rather than a direct TURN dial.
func IsWebSocketRelay(uri string) bool {
	return strings.HasPrefix(uri, "ws://") || strings.HasPrefix(uri, "wss://")
}
