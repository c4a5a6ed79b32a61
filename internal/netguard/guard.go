// Package netguard blocks outbound requests to private, loopback and
// link-local destinations and bounds how much a download may read.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// BlockedError is returned when a destination is not publicly routable.
type BlockedError struct {
	Target string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked destination %s: %s", e.Target, e.Reason)
}

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal"}

var extraPrivatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("fec0::/10"),
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host
}

// IsBlockedHostname reports whether host names an internal resource.
func IsBlockedHostname(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if blockedHostnames[host] {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// IsPrivateAddr reports whether addr is loopback, private, link-local,
// unspecified or otherwise reserved. IPv4-mapped IPv6 addresses are
// classified by their IPv4 form.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return true
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range extraPrivatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsPrivateIP parses s and reports whether it is a private address. Strings
// that are not IP literals return false.
func IsPrivateIP(s string) bool {
	addr, err := netip.ParseAddr(normalizeHost(s))
	if err != nil {
		return false
	}
	return IsPrivateAddr(addr)
}

// Resolver looks up host addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ValidateHost rejects blocked names, private literals, and names that
// resolve to any private address.
func ValidateHost(ctx context.Context, resolver Resolver, host string) error {
	normalized := normalizeHost(host)
	if normalized == "" {
		return &BlockedError{Target: host, Reason: "empty host"}
	}
	if IsBlockedHostname(normalized) {
		return &BlockedError{Target: host, Reason: "internal hostname"}
	}
	if addr, err := netip.ParseAddr(normalized); err == nil {
		if IsPrivateAddr(addr) {
			return &BlockedError{Target: host, Reason: "private address"}
		}
		return nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", normalized)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, addr := range addrs {
		if IsPrivateAddr(addr) {
			return &BlockedError{Target: host, Reason: "resolves to a private address"}
		}
	}
	return nil
}
