// Package security provides the rate limiting middleware in front of the
// gateway and client IP resolution behind trusted proxies.
package security

import (
	"net"
	"net/netip"
	"strings"
)

// TrustedClientIP resolves the real client IP for a request. With no trusted
// proxies configured the socket address wins and X-Forwarded-For is ignored,
// since any client can forge it. With trusted proxies configured, the
// rightmost X-Forwarded-For entry not belonging to a trusted range is the
// client: everything to its right was appended by infrastructure we own.
func TrustedClientIP(remoteAddr, xForwardedFor string, trustedProxies []string) string {
	remoteIP := stripPort(remoteAddr)

	if len(trustedProxies) == 0 || xForwardedFor == "" {
		return remoteIP
	}

	trusted := parsePrefixes(trustedProxies)

	hops := strings.Split(xForwardedFor, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		if !containsAddr(trusted, addr) {
			return addr.String()
		}
	}

	// Every forwarded hop is a proxy of ours. The socket peer is as close to
	// the truth as we can get.
	return remoteIP
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// parsePrefixes accepts CIDR ranges and bare IPs; a bare IP becomes a
// single-address prefix. Unparseable entries are skipped.
func parsePrefixes(entries []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return prefixes
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
