// Package dnsres resolves target names to addresses of a requested IP
// family and discovers this host's own outbound (vantage point) address.
package dnsres

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoAddresses means the name did not resolve to any address of the
// requested family.
var ErrNoAddresses = errors.New("domain name is invalid or cannot be resolved")

// Resolver turns a name into addresses of one family.
type Resolver interface {
	// LookupIPs resolves host and keeps only addresses of family 4 or 6.
	LookupIPs(ctx context.Context, host string, family int) ([]string, error)
}

// NetResolver resolves through the standard library resolver.
type NetResolver struct {
	R *net.Resolver
}

func New() *NetResolver {
	return &NetResolver{R: net.DefaultResolver}
}

func (n *NetResolver) LookupIPs(ctx context.Context, host string, family int) ([]string, error) {
	network := "ip4"
	if family == 6 {
		network = "ip6"
	}
	ips, err := n.R.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAddresses, err)
	}
	var out []string
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, ErrNoAddresses
	}
	return out, nil
}

// OutboundIP reports the local address the kernel would use to reach
// the public internet over the given family. No packet is sent; the
// connected UDP socket just forces a route lookup. Returns "" when this
// host has no route for the family.
func OutboundIP(family int) string {
	target := "192.0.2.1:53"
	if family == 6 {
		target = "[2001:db8::1]:53"
	}
	conn, err := net.Dial("udp", target)
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
