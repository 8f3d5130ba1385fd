package resource

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kuuji/gatewayd/internal/gwerr"
)

// Translator records the last resolved destination for a resource, so
// repeated packets to the same DNS resource don't race independent
// resolutions. Peer implements this.
type Translator interface {
	UpdateTranslatedResourceAddress(id ID, dst netip.Addr)
}

// Resolver resolves a resource descriptor plus a packet's destination
// address into the actual address (and optional port) to rewrite the
// packet to.
//
// DNS lookups are offloaded onto a small fixed-size worker pool so a slow
// or hanging resolver.Resolve call never blocks the caller's goroutine
// indefinitely — a bounded pool for blocking DNS lookups.
type Resolver struct {
	group singleflight.Group

	poolOnce sync.Once
	work     chan func()
}

// NewResolver builds a Resolver backed by a pool of poolSize worker
// goroutines. poolSize <= 0 defaults to 8.
func NewResolver(poolSize int) *Resolver {
	if poolSize <= 0 {
		poolSize = 8
	}
	r := &Resolver{work: make(chan func())}
	for i := 0; i < poolSize; i++ {
		go r.worker()
	}
	return r
}

func (r *Resolver) worker() {
	for fn := range r.work {
		fn()
	}
}

// Resolve looks up a resource's address: DNS resources are resolved by name,
// same-family as src; CIDR resources are checked for containment.
func (r *Resolver) Resolve(ctx context.Context, peer Translator, res Description, src, pktDst netip.Addr) (netip.Addr, *uint16, error) {
	switch res.Kind {
	case DNS:
		return r.resolveDNS(ctx, peer, res, src)
	case CIDR:
		return resolveCIDR(res, src, pktDst)
	default:
		return netip.Addr{}, nil, &gwerr.InvalidResource{ResourceID: string(res.ID), Reason: "unknown resource kind"}
	}
}

func (r *Resolver) resolveDNS(ctx context.Context, peer Translator, res Description, src netip.Addr) (netip.Addr, *uint16, error) {
	host, port := splitHostPort(res.Address)
	if host == "" {
		return netip.Addr{}, nil, &gwerr.InvalidResource{ResourceID: string(res.ID), Reason: "empty DNS host"}
	}

	type result struct {
		addrs []netip.Addr
		err   error
	}

	v, err, _ := r.group.Do(string(res.ID)+"|"+host, func() (any, error) {
		resultCh := make(chan result, 1)
		r.work <- func() {
			ipAddrs, lookupErr := net.DefaultResolver.LookupIPAddr(ctx, host)
			addrs := make([]netip.Addr, 0, len(ipAddrs))
			for _, a := range ipAddrs {
				if addr, ok := netip.AddrFromSlice(a.IP); ok {
					addrs = append(addrs, addr.Unmap())
				}
			}
			resultCh <- result{addrs: addrs, err: lookupErr}
		}
		select {
		case res := <-resultCh:
			if res.err != nil {
				return nil, res.err
			}
			return res.addrs, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return netip.Addr{}, nil, &gwerr.InvalidResource{ResourceID: string(res.ID), Reason: fmt.Sprintf("resolving %q: %v", host, err)}
	}

	addrs := v.([]netip.Addr)
	dst, ok := firstMatchingFamily(src, addrs)
	if !ok {
		return netip.Addr{}, nil, &gwerr.InvalidResource{ResourceID: string(res.ID), Reason: fmt.Sprintf("no %s address for %q", familyName(src), host)}
	}

	peer.UpdateTranslatedResourceAddress(res.ID, dst)
	return dst, parsePort(port), nil
}

func resolveCIDR(res Description, src, pktDst netip.Addr) (netip.Addr, *uint16, error) {
	if !res.Prefix.Contains(pktDst) {
		return netip.Addr{}, nil, &gwerr.InvalidSource{ResourceID: string(res.ID), Dst: pktDst.String()}
	}
	if sameFamily(src, pktDst) {
		return pktDst, nil, nil
	}
	return netip.Addr{}, nil, &gwerr.InvalidResource{ResourceID: string(res.ID), Reason: "destination family mismatch with source"}
}

func splitHostPort(addr string) (host, port string) {
	host, port, found := strings.Cut(addr, ":")
	if !found {
		return addr, ""
	}
	return host, port
}

func parsePort(s string) *uint16 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return nil
	}
	p := uint16(n)
	return &p
}

func sameFamily(a, b netip.Addr) bool {
	return a.Is4() == b.Is4()
}

func familyName(a netip.Addr) string {
	if a.Is4() {
		return "IPv4"
	}
	return "IPv6"
}

func firstMatchingFamily(src netip.Addr, candidates []netip.Addr) (netip.Addr, bool) {
	for _, c := range candidates {
		if sameFamily(src, c) {
			return c, true
		}
	}
	return netip.Addr{}, false
}
