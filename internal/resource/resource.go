// Package resource models the resources a client is permitted to reach
// through the gateway — CIDR ranges and DNS names — and resolves a
// packet's intended destination against them.
package resource

import (
	"net/netip"
)

// ID identifies a resource as assigned by the portal.
type ID string

// Kind discriminates the resource descriptor's tagged union.
type Kind byte

const (
	// DNS resources require runtime name resolution.
	DNS Kind = iota
	// CIDR resources require containment checks only.
	CIDR
)

// Description is the tagged union describing a resource: either a DNS name
// ("host:port", port optional) or a CIDR prefix.
type Description struct {
	ID   ID
	Kind Kind

	// Address is "host:port" for DNS resources, or the CIDR prefix text
	// for CIDR resources (e.g. "10.50.0.0/16").
	Address string

	// Prefix is the parsed CIDR prefix, populated for Kind == CIDR.
	Prefix netip.Prefix
}

// IsDNS and IsCIDR are convenience predicates mirroring the Rust
// ResourceDescription::Dns / ::Cidr match arms.
func (d Description) IsDNS() bool  { return d.Kind == DNS }
func (d Description) IsCIDR() bool { return d.Kind == CIDR }
