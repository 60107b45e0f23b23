package rule

import (
	"strings"
)

// Match evaluates r against ctx. And and Or short-circuit left to right.
func Match(r Rule, ctx *RequestContext) bool {
	switch n := r.(type) {
	case *Function:
		return n.Matcher.match(ctx)
	case *Negated:
		return !Match(n.Rule, ctx)
	case *And:
		for _, c := range n.Rules {
			if !Match(c, ctx) {
				return false
			}
		}
		return true
	case *Or:
		for _, c := range n.Rules {
			if Match(c, ctx) {
				return true
			}
		}
		return false
	}
	return false
}

func (m *Headers) match(ctx *RequestContext) bool {
	for _, v := range ctx.Header.Values(m.Key) {
		if v == m.Value {
			return true
		}
	}
	return false
}

func (m *HeadersRegexp) match(ctx *RequestContext) bool {
	for _, v := range ctx.Header.Values(m.Key) {
		if m.Pattern.MatchString(v) {
			return true
		}
	}
	return false
}

func (m *Host) match(ctx *RequestContext) bool {
	return matchHost(m.Hosts, ctx.URL.Host)
}

func (m *HostHeader) match(ctx *RequestContext) bool {
	return matchHost(m.Hosts, ctx.Host)
}

func (m *HostRegexp) match(ctx *RequestContext) bool {
	h := StripPort(ctx.Host)
	for _, rx := range m.Patterns {
		if rx.MatchString(h) {
			return true
		}
	}
	return false
}

func (m *Method) match(ctx *RequestContext) bool {
	for _, method := range m.Methods {
		if method == ctx.Method {
			return true
		}
	}
	return false
}

func (m *Path) match(ctx *RequestContext) bool {
	p := requestPath(ctx)
	for _, rx := range m.Patterns {
		if rx.MatchString(p) {
			return true
		}
	}
	return false
}

func (m *PathPrefix) match(ctx *RequestContext) bool {
	p := requestPath(ctx)
	for i, rx := range m.Patterns {
		if rx.MatchString(p) {
			return true
		}
		if m.exact[i] != nil && m.exact[i].MatchString(p) {
			return true
		}
	}
	return false
}

func (m *Query) match(ctx *RequestContext) bool {
	q := ctx.Query()
	for _, p := range m.Pairs {
		if !containsValue(q[p.Key], p.Value) {
			return false
		}
	}
	return true
}

func (m *ClientIP) match(ctx *RequestContext) bool {
	return m.Contains(ctx.ClientIP)
}

func requestPath(ctx *RequestContext) string {
	if ctx.URL.Path == "" {
		return "/"
	}
	return ctx.URL.Path
}

func containsValue(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func matchHost(hosts []string, host string) bool {
	h := strings.ToLower(StripPort(host))
	if h == "" {
		return false
	}
	for _, candidate := range hosts {
		if suffix, ok := strings.CutPrefix(candidate, "*."); ok {
			if wildcardHostMatch(h, suffix) {
				return true
			}
			continue
		}
		if h == candidate {
			return true
		}
	}
	return false
}

// wildcardHostMatch implements "*.example.com": any subdomain matches, the
// apex itself does not.
func wildcardHostMatch(host, suffix string) bool {
	if len(host) <= len(suffix) || !strings.HasSuffix(host, suffix) {
		return false
	}
	return host[len(host)-len(suffix)-1] == '.'
}
