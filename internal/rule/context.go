package rule

import (
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
)

// RequestContext holds the request attributes rules can observe.
type RequestContext struct {
	Method string
	// URL is always absolute. When the request line carried only a path,
	// scheme and host are reconstructed from the connection and the Host
	// header.
	URL    *url.URL
	Host   string
	Header http.Header
	// ClientIP is the zero Addr when it could not be determined.
	ClientIP netip.Addr

	query url.Values
}

// NewRequestContext captures the attributes of r.
func NewRequestContext(r *http.Request) *RequestContext {
	u := new(url.URL)
	*u = *r.URL
	if !u.IsAbs() {
		u.Scheme = RequestScheme(r)
	}
	if u.Host == "" {
		u.Host = r.Host
	}

	return &RequestContext{
		Method:   r.Method,
		URL:      u,
		Host:     r.Host,
		Header:   r.Header,
		ClientIP: ClientAddr(r),
	}
}

// Query returns the parsed query, ignoring malformed pairs.
func (c *RequestContext) Query() url.Values {
	if c.query == nil {
		c.query, _ = url.ParseQuery(c.URL.RawQuery)
	}
	return c.query
}

// RequestScheme is https for TLS connections or when a trusted hop said so
// through X-Forwarded-Proto.
func RequestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if p := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); p == "https" || p == "http" {
		return p
	}
	return "http"
}

// ClientAddr resolves the client address from X-Real-Ip, the first entry
// of X-Forwarded-For, and finally the socket peer.
func ClientAddr(r *http.Request) netip.Addr {
	if a, err := netip.ParseAddr(StripPort(strings.TrimSpace(r.Header.Get("X-Real-Ip")))); err == nil {
		return a.Unmap()
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if a, err := netip.ParseAddr(StripPort(strings.TrimSpace(first))); err == nil {
			return a.Unmap()
		}
	}
	if a, err := netip.ParseAddr(StripPort(r.RemoteAddr)); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}

// StripPort removes the port from host names, IPv4 and bracketed IPv6
// addresses.
func StripPort(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
}
