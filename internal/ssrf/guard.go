// Package ssrf keeps the gateway from being used to reach private networks.
//
// Every proxied request re-resolves the upstream host, rejects private,
// loopback and link-local results, optionally compares the result against a
// pinned address set, and then dials only the addresses it validated.
package ssrf

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Result codes.
const (
	CodeDenied  = "proxy_denied"
	CodeBlocked = "proxy_ssrf_blocked"
)

// PinningModeStrictIP is the only pinning mode that constrains resolution.
const PinningModeStrictIP = "strict_ip"

var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // link-local, includes cloud metadata
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

var privateV6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// parseAddr normalizes an address literal: trimmed, lowercased, brackets
// and zone removed, IPv4-mapped IPv6 unmapped to IPv4.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	// Covers both "::ffff:10.0.0.8" and the hextet form "::ffff:a00:8".
	return addr.Unmap(), true
}

// IsPrivateOrLoopback reports whether addr must never be dialed. Anything
// that does not parse as an IPv4 or IPv6 literal is treated as private.
func IsPrivateOrLoopback(addr string) bool {
	ip, ok := parseAddr(addr)
	if !ok {
		return true
	}
	var ranges []netip.Prefix
	switch {
	case ip.Is4():
		ranges = privateV4
	case ip.Is6():
		ranges = privateV6
	default:
		return true
	}
	for _, p := range ranges {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Pinned is the address set captured for a session's upstream.
type Pinned struct {
	Mode      string
	Addresses []string
}

// Result is the outcome of a pin comparison.
type Result struct {
	OK     bool
	Code   string
	Reason string
}

// ValidatePinnedResolvedAddresses checks that, under strict pinning, every
// resolved address belongs to the pinned set. Other modes always pass.
func ValidatePinnedResolvedAddresses(resolved []string, pinned Pinned) Result {
	if pinned.Mode != PinningModeStrictIP {
		return Result{OK: true}
	}

	allowed := make(map[netip.Addr]struct{}, len(pinned.Addresses))
	for _, a := range pinned.Addresses {
		if ip, ok := parseAddr(a); ok {
			allowed[ip] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return Result{Code: CodeDenied, Reason: "strict pinning declared with no pinned addresses"}
	}
	if len(resolved) == 0 {
		return Result{Code: CodeDenied, Reason: "no resolved addresses to compare"}
	}

	for _, a := range resolved {
		ip, ok := parseAddr(a)
		if !ok {
			return Result{Code: CodeBlocked, Reason: fmt.Sprintf("unparseable resolved address %q", a)}
		}
		if _, ok := allowed[ip]; !ok {
			return Result{Code: CodeBlocked, Reason: fmt.Sprintf("resolved address %s is not pinned", ip)}
		}
	}
	return Result{OK: true}
}

// Error is returned by Guard.Check. Addresses are for server-side audit
// logs only.
type Error struct {
	Code      string
	Reason    string
	Host      string
	Addresses []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (host %s)", e.Code, e.Reason, e.Host)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Guard resolves and validates upstream hosts.
type Guard struct {
	Resolver Resolver
	// LookupTimeout bounds each DNS resolution. Zero means 5s.
	LookupTimeout time.Duration
}

// ResolveHostAddresses returns the addresses for hostname. A literal IP is
// returned as is without a lookup.
func (g *Guard) ResolveHostAddresses(ctx context.Context, hostname string) ([]string, error) {
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(hostname), "["), "]")
	if host == "" {
		return nil, fmt.Errorf("empty hostname")
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return []string{host}, nil
	}

	timeout := g.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := g.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %q: %w", host, err)
	}
	return addrs, nil
}

// Check resolves host and applies the full policy. It returns the validated
// addresses, which are the only ones the caller may dial.
func (g *Guard) Check(ctx context.Context, host string, pinned Pinned) ([]string, error) {
	addrs, err := g.ResolveHostAddresses(ctx, host)
	if err != nil {
		return nil, &Error{Code: CodeDenied, Reason: err.Error(), Host: host}
	}
	if len(addrs) == 0 {
		return nil, &Error{Code: CodeDenied, Reason: "upstream not reachable: no addresses", Host: host}
	}
	for _, a := range addrs {
		if IsPrivateOrLoopback(a) {
			return nil, &Error{Code: CodeBlocked, Reason: "resolved to private or loopback address", Host: host, Addresses: addrs}
		}
	}
	if res := ValidatePinnedResolvedAddresses(addrs, pinned); !res.OK {
		return nil, &Error{Code: res.Code, Reason: res.Reason, Host: host, Addresses: addrs}
	}
	return addrs, nil
}
