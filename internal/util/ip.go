package util

import "net"

// IPClassification buckets an IP address by how risky it is as a redirect
// target. Redirect URI validation blocks the dangerous classes.
type IPClassification int

const (
	// IPClassificationPublic is a globally routable address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback covers 127.0.0.0/8 and ::1.
	IPClassificationLoopback
	// IPClassificationPrivate covers RFC 1918 ranges and fc00::/7.
	IPClassificationPrivate
	// IPClassificationLinkLocal covers 169.254.0.0/16, fe80::/10 and ff02::/16.
	IPClassificationLinkLocal
	// IPClassificationUnspecified covers 0.0.0.0 and ::.
	IPClassificationUnspecified
)

func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP maps an address to its IPClassification. A nil IP classifies as
// unspecified. Link-local takes priority over private because the class
// matters most there: 169.254.169.254 is the cloud metadata endpoint.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil || ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case IsLinkLocal(ip):
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLinkLocal reports whether ip is link-local unicast or multicast.
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsLoopbackHostname reports whether hostname names a loopback address:
// "localhost", anything in 127.0.0.0/8, ::1 (bracketed or not), or an
// IPv4-mapped loopback. The hostname must not carry a port. 0.0.0.0 is
// unspecified, not loopback, and returns false.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	// url.URL.Hostname() already strips brackets, but accept them anyway.
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		hostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
