package broker

import (
	"fmt"
	"net"
	"strings"
)

// isAllowed checks if a peer address matches the allowlist.
// Allowlist entries can be:
//   - "host:port": exact string match (no DNS resolution)
//   - "CIDR:port": CIDR match with exact port
//   - "CIDR:*": CIDR match with any port
//   - "*": allow everything
func isAllowed(peer string, allowList []string) bool {
	host, port, err := net.SplitHostPort(peer)
	if err != nil {
		return false
	}

	peerIP := net.ParseIP(host)

	for _, entry := range allowList {
		if entry == "*" {
			return true
		}

		aHost, aPort, err := splitAllowEntry(entry)
		if err != nil {
			continue
		}

		if aPort != "*" && aPort != port {
			continue
		}

		// Check host: try CIDR first, then exact match.
		if _, cidr, err := net.ParseCIDR(aHost); err == nil {
			if peerIP != nil && cidr.Contains(peerIP) {
				return true
			}
		} else if host == strings.Trim(aHost, "[]") {
			return true
		}
	}
	return false
}

// splitAllowEntry parses "host:port" or "CIDR:port" from allowlist format.
// CIDR entries like "10.0.0.0/8:*" contain a colon in IPv6 notation, so
// the last colon separates the port.
func splitAllowEntry(entry string) (host, port string, err error) {
	i := strings.LastIndexByte(entry, ':')
	if i < 0 {
		return "", "", fmt.Errorf("no port in allowlist entry: %s", entry)
	}
	return entry[:i], entry[i+1:], nil
}
