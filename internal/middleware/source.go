package middleware

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/fabian4/verkehr/internal/config"
	"github.com/fabian4/verkehr/internal/rule"
)

const unknownSource = "unknown"

// SourceResolver derives the key stateful middlewares group a request by.
// It is built once per middleware from its source criterion.
type SourceResolver struct {
	header   string
	host     bool
	strategy *ipStrategy
}

// NewSourceResolver compiles sc; nil selects only the fallbacks.
func NewSourceResolver(sc *config.SourceCriterion) (*SourceResolver, error) {
	r := &SourceResolver{}
	if sc == nil {
		return r, nil
	}
	r.header = sc.RequestHeaderName
	r.host = sc.RequestHost
	if sc.IPStrategy != nil {
		st, err := newIPStrategy(sc.IPStrategy)
		if err != nil {
			return nil, err
		}
		r.strategy = st
	}
	return r, nil
}

// Resolve returns, in order: the configured request header, the Host
// header, the X-Forwarded-For entry picked by the IP strategy, and finally
// X-Real-Ip, the first X-Forwarded-For entry or "unknown".
func (r *SourceResolver) Resolve(req *http.Request) string {
	if r.header != "" {
		if v := req.Header.Get(r.header); v != "" {
			return v
		}
	}
	if r.host && req.Host != "" {
		return req.Host
	}
	if r.strategy != nil {
		if ip := r.strategy.pick(req); ip != "" {
			return ip
		}
	}

	if v := strings.TrimSpace(req.Header.Get("X-Real-Ip")); v != "" {
		return v
	}
	if xff := forwardedFor(req); len(xff) > 0 {
		return xff[0]
	}
	return unknownSource
}

// forwardedFor returns the X-Forwarded-For entries over all header lines,
// left to right.
func forwardedFor(req *http.Request) []string {
	var out []string
	for _, line := range req.Header.Values("X-Forwarded-For") {
		for _, e := range strings.Split(line, ",") {
			if e = strings.TrimSpace(e); e != "" {
				out = append(out, e)
			}
		}
	}
	return out
}

type ipStrategy struct {
	depth    int
	excluded *netipx.IPSet
}

func newIPStrategy(s *config.IPStrategy) (*ipStrategy, error) {
	st := &ipStrategy{depth: s.Depth}
	if len(s.ExcludedIPs) > 0 {
		set, err := parseNets(s.ExcludedIPs)
		if err != nil {
			return nil, fmt.Errorf("ipStrategy.excludedIPs: %w", err)
		}
		st.excluded = set
	}
	return st, nil
}

// pick selects an address from X-Forwarded-For. With a depth the entry is
// counted from the right (1 is the last) and clamped to the first one;
// otherwise the right-most entry outside the excluded networks wins.
func (s *ipStrategy) pick(req *http.Request) string {
	xff := forwardedFor(req)
	if len(xff) == 0 {
		return ""
	}

	if s.depth > 0 {
		i := len(xff) - s.depth
		if i < 0 {
			i = 0
		}
		return xff[i]
	}

	if s.excluded != nil {
		for i := len(xff) - 1; i >= 0; i-- {
			a, err := netip.ParseAddr(rule.StripPort(xff[i]))
			if err != nil || !s.excluded.Contains(a.Unmap()) {
				return xff[i]
			}
		}
	}
	return ""
}

// parseNets aggregates CIDRs and bare addresses into a set.
func parseNets(ranges []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if p, err := netip.ParsePrefix(r); err == nil {
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(r)
		if err != nil {
			return nil, err
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}
