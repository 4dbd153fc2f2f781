package direct

import (
	"fmt"
	"net"
)

// checkLocalAddress accepts only addresses a sender on the same network can
// have. mDNS answers are unauthenticated, so anything routable beyond the
// local segment is refused rather than dialed.
func checkLocalAddress(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("IP address is nil")
	}

	// 0.0.0.0, ::
	if ip.IsUnspecified() {
		return fmt.Errorf("IP %s is not dialable (unspecified address)", ip)
	}

	// 224.0.0.0/4, ff00::/8
	if ip.IsMulticast() {
		return fmt.Errorf("IP %s is not dialable (multicast address)", ip)
	}

	// 127.0.0.0/8 and ::1 (same host)
	// 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16 and fc00::/7
	// 169.254.0.0/16 and fe80::/10
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return nil
	}

	return fmt.Errorf("IP %s is not a local network address", ip)
}
