package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port when none is given.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	if strings.Contains(addr, ":") && !strings.HasPrefix(addr, "[") {
		// bare IPv6 literal
		return net.JoinHostPort(addr, defPort)
	}
	return addr + ":" + defPort
}
