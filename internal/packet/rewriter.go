// Package packet rewrites a resolved resource packet's destination
// address (and, for DNS resources with an explicit port, destination
// port) and recomputes checksums.
package packet

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Rewrite decodes pkt as an IPv4 or IPv6 packet, sets its destination
// address to newDst (and, if newPort is non-nil and the transport is TCP
// or UDP, its destination port), recomputes length and checksum fields,
// and returns the re-serialized bytes.
//
// Rewrite is a pure function of (pkt, newDst, newPort): applying it twice
// with the same arguments yields identical output, making a rewrite
// idempotent under retries.
func Rewrite(pkt []byte, newDst netip.Addr, newPort *uint16) ([]byte, error) {
	if len(pkt) < 1 {
		return nil, fmt.Errorf("packet: empty packet")
	}

	version := pkt[0] >> 4
	var firstLayer gopacket.LayerType
	switch version {
	case 4:
		firstLayer = layers.LayerTypeIPv4
	case 6:
		firstLayer = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("packet: unrecognized IP version %d", version)
	}

	parsed := gopacket.NewPacket(pkt, firstLayer, gopacket.Lazy)
	if err := parsed.ErrorLayer(); err != nil {
		return nil, fmt.Errorf("packet: decoding: %w", err)
	}

	var networkLayer gopacket.SerializableLayer
	var serializable []gopacket.SerializableLayer

	for _, l := range parsed.Layers() {
		sl, ok := l.(gopacket.SerializableLayer)
		if !ok {
			return nil, fmt.Errorf("packet: layer %s is not serializable", l.LayerType())
		}

		switch v := l.(type) {
		case *layers.IPv4:
			v.DstIP = newDst.AsSlice()
			networkLayer = v
		case *layers.IPv6:
			v.DstIP = newDst.AsSlice()
			networkLayer = v
		case *layers.TCP:
			if newPort != nil {
				v.DstPort = layers.TCPPort(*newPort)
			}
			if networkLayer != nil {
				if err := v.SetNetworkLayerForChecksum(networkLayer.(gopacket.NetworkLayer)); err != nil {
					return nil, fmt.Errorf("packet: setting TCP checksum network layer: %w", err)
				}
			}
		case *layers.UDP:
			if newPort != nil {
				v.DstPort = layers.UDPPort(*newPort)
			}
			if networkLayer != nil {
				if err := v.SetNetworkLayerForChecksum(networkLayer.(gopacket.NetworkLayer)); err != nil {
					return nil, fmt.Errorf("packet: setting UDP checksum network layer: %w", err)
				}
			}
		}

		serializable = append(serializable, sl)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, serializable...); err != nil {
		return nil, fmt.Errorf("packet: serializing: %w", err)
	}

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// SourceAddr extracts the source address from an IPv4 or IPv6 packet,
// used by the orchestrator to test a peer's allowed-IP ACL before any
// resource resolution happens.
func SourceAddr(pkt []byte) (netip.Addr, error) {
	if len(pkt) < 1 {
		return netip.Addr{}, fmt.Errorf("packet: empty packet")
	}

	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, fmt.Errorf("packet: truncated IPv4 header")
		}
		addr, ok := netip.AddrFromSlice(pkt[12:16])
		if !ok {
			return netip.Addr{}, fmt.Errorf("packet: invalid IPv4 source address")
		}
		return addr, nil
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, fmt.Errorf("packet: truncated IPv6 header")
		}
		addr, ok := netip.AddrFromSlice(pkt[8:24])
		if !ok {
			return netip.Addr{}, fmt.Errorf("packet: invalid IPv6 source address")
		}
		return addr, nil
	default:
		return netip.Addr{}, fmt.Errorf("packet: unrecognized IP version")
	}
}

// DestAddr extracts the destination address from an IPv4 or IPv6 packet.
func DestAddr(pkt []byte) (netip.Addr, error) {
	if len(pkt) < 1 {
		return netip.Addr{}, fmt.Errorf("packet: empty packet")
	}

	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, fmt.Errorf("packet: truncated IPv4 header")
		}
		addr, ok := netip.AddrFromSlice(pkt[16:20])
		if !ok {
			return netip.Addr{}, fmt.Errorf("packet: invalid IPv4 destination address")
		}
		return addr, nil
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, fmt.Errorf("packet: truncated IPv6 header")
		}
		addr, ok := netip.AddrFromSlice(pkt[24:40])
		if !ok {
			return netip.Addr{}, fmt.Errorf("packet: invalid IPv6 destination address")
		}
		return addr, nil
	default:
		return netip.Addr{}, fmt.Errorf("packet: unrecognized IP version")
	}
}
