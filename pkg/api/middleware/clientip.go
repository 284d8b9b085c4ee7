package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPResolver resolves the client address of a request. Forwarding headers are
// only honoured when the immediate peer is a trusted proxy. A nil resolver
// trusts no one.
type IPResolver struct {
	trusted []*net.IPNet
}

// NewIPResolver creates a resolver trusting the given proxies. Entries are
// single addresses or CIDR ranges.
func NewIPResolver(trustedProxies []string) (*IPResolver, error) {
	r := &IPResolver{}
	for _, entry := range trustedProxies {
		network, err := ParseTrustedProxy(entry)
		if err != nil {
			return nil, err
		}
		r.trusted = append(r.trusted, network)
	}
	return r, nil
}

// ParseTrustedProxy parses an address or CIDR range into a network
func ParseTrustedProxy(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		return network, nil
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid trusted proxy %q", entry)
	}
	bits := 8 * net.IPv4len
	if ip.To4() == nil {
		bits = 8 * net.IPv6len
	} else {
		ip = ip.To4()
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// ClientIP returns the request's client address.
// Without a trusted peer this is the RemoteAddr host. Behind a trusted proxy,
// X-Forwarded-For is walked from the right and the first untrusted hop wins;
// X-Real-IP is used when there is no X-Forwarded-For.
func (r *IPResolver) ClientIP(req *http.Request) string {
	peer := ClientIP(req)
	if !r.isTrusted(net.ParseIP(peer)) {
		return peer
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		client := peer
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil {
				break
			}
			client = ip.String()
			if !r.isTrusted(ip) {
				break
			}
		}
		return client
	}

	if ip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer
}

func (r *IPResolver) isTrusted(ip net.IP) bool {
	if r == nil || ip == nil {
		return false
	}
	for _, network := range r.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the host of the request's immediate peer
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
