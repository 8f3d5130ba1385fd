//go:build linux

package tunnel

// DefaultTUNName is the default name for the gateway's LAN-facing TUN
// interface on Linux. Linux allows arbitrary interface names.
const DefaultTUNName = "gatewayd0"
