package webrtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/kuuji/gatewayd/internal/bridge"
)

const (
	// DataChannelLabel is the label the client is expected to use for the
	// WireGuard tunnel data channel it creates as the offerer.
	DataChannelLabel = "gatewayd"
)

// dataChannelAdapter adapts a *webrtc.DataChannel to bridge.DataChannel so
// the WireGuard conn.Bind never imports pion directly.
type dataChannelAdapter struct {
	dc *webrtc.DataChannel
}

// NewDataChannelAdapter wraps dc so it satisfies bridge.DataChannel.
func NewDataChannelAdapter(dc *webrtc.DataChannel) bridge.DataChannel {
	return &dataChannelAdapter{dc: dc}
}

func (a *dataChannelAdapter) Send(data []byte) error {
	return a.dc.Send(data)
}

func (a *dataChannelAdapter) OnMessage(f func(data []byte)) {
	a.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}
