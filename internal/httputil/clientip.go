// Package httputil holds request helpers shared by the API and the anchor
// stream.
package httputil

import (
	"net/http"
	"net/netip"
	"strings"
)

// IPResolver decides which client a request belongs to. The request log and
// the stream limiter share one resolver so a client is identified the same
// way in both. The zero value ignores proxy headers.
type IPResolver struct {
	trustProxy bool
}

// NewIPResolver returns a resolver. With trustProxy the leftmost
// X-Forwarded-For entry, then X-Real-IP, names the client; enable it only
// behind a reverse proxy that sets those headers.
func NewIPResolver(trustProxy bool) IPResolver {
	return IPResolver{trustProxy: trustProxy}
}

// TrustProxy reports whether proxy headers are honored.
func (res IPResolver) TrustProxy() bool { return res.trustProxy }

// ClientIP returns the client address in canonical form: IPv4-mapped IPv6
// addresses are unmapped and zones dropped, so "::ffff:10.0.0.1" and
// "10.0.0.1" count as one client. Header values that do not parse as an
// address are skipped. A RemoteAddr that cannot be parsed is returned as is.
func (res IPResolver) ClientIP(r *http.Request) string {
	if res.trustProxy {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip, ok := canonical(first); ok {
			return ip
		}
		if ip, ok := canonical(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return normalize(ap.Addr())
	}
	// Unix sockets and some test servers give a bare or bracketed address.
	if ip, ok := canonical(strings.Trim(r.RemoteAddr, "[]")); ok {
		return ip
	}
	return r.RemoteAddr
}

func canonical(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return normalize(addr), true
}

func normalize(addr netip.Addr) string {
	return addr.Unmap().WithZone("").String()
}
