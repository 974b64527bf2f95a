// Package ssrf defends the fetch/search primitives underneath the chat
// guards against server-side request forgery: loopback, private, and
// link-local/multicast destinations are blocked, and DNS rebinding is
// defeated by resolving a hostname exactly once and dialing the resolved IP
// directly rather than letting the HTTP transport re-resolve mid-request.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// blockedNets is the fixed set of address ranges no outbound fetch may
// target, regardless of trust tier.
var blockedNets = mustParseCIDRs(
	"127.0.0.0/8",    // loopback v4
	"::1/128",        // loopback v6
	"10.0.0.0/8",     // RFC1918
	"172.16.0.0/12",  // RFC1918
	"192.168.0.0/16", // RFC1918
	"169.254.0.0/16", // link-local v4
	"fe80::/10",      // link-local v6
	"224.0.0.0/4",    // multicast v4
	"ff00::/8",       // multicast v6
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("ssrf: invalid hardcoded CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Blocked reports whether ip falls in any disallowed range.
func Blocked(ip net.IP) bool {
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ErrBlocked is returned when a resolved address is disallowed.
type ErrBlocked struct {
	Host string
	IP   net.IP
}

func (e *ErrBlocked) Error() string {
	return fmt.Sprintf("ssrf: %q resolves to blocked address %s", e.Host, e.IP)
}

// SafeDialContext resolves host once, rejects it if any resolved address is
// blocked, and dials the first allowed address directly — so a second DNS
// lookup performed by a naive dialer (the classic rebinding window) can
// never substitute a different, disallowed address after the check passes.
func SafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: split host/port: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("ssrf: resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("ssrf: no addresses for %q", host)
	}
	for _, ip := range ips {
		if Blocked(ip) {
			return nil, &ErrBlocked{Host: host, IP: ip}
		}
	}

	dialer := &net.Dialer{}
	resolvedAddr := net.JoinHostPort(ips[0].String(), port)
	return dialer.DialContext(ctx, network, resolvedAddr)
}

// NewHTTPClient returns an *http.Client whose Transport always dials
// through SafeDialContext, so every request the client makes — including
// redirects — is protected against SSRF and DNS rebinding.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{DialContext: SafeDialContext}
	return &http.Client{Transport: transport}
}
