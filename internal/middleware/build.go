package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/fabian4/verkehr/internal/circuit"
	"github.com/fabian4/verkehr/internal/config"
	"github.com/fabian4/verkehr/internal/rule"
)

var errNoKind = errors.New("exactly one middleware kind must be set")

// Build compiles one configured middleware. Invalid arguments are errors,
// with one exception: a regular expression that does not compile yields a
// middleware that answers every request with 500, so a broken rewrite is
// never silently skipped.
func Build(name string, m config.Middleware, stores *Stores) (*Middleware, error) {
	if len(m.Kinds()) != 1 {
		return nil, errNoKind
	}

	mw := &Middleware{Name: name}
	var err error
	switch {
	case m.RateLimit != nil:
		mw.Kind = KindRateLimit
		mw.handle, err = rateLimit(name, m.RateLimit, stores)
	case m.CircuitBreaker != nil:
		mw.Kind = KindCircuitBreaker
		mw.handle = circuitBreaker(name, m.CircuitBreaker, stores)
	case m.InFlightReq != nil:
		mw.Kind = KindInFlightReq
		mw.handle, err = inFlightReq(name, m.InFlightReq, stores)
	case m.IPAllowList != nil:
		mw.Kind = KindIPAllowList
		mw.handle, err = ipAllowList(m.IPAllowList)
	case m.StripPrefix != nil:
		mw.Kind = KindStripPrefix
		mw.handle = stripPrefix(m.StripPrefix)
	case m.StripPrefixRegex != nil:
		mw.Kind = KindStripPrefixRegex
		mw.handle, err = stripPrefixRegex(m.StripPrefixRegex)
	case m.AddPrefix != nil:
		mw.Kind = KindAddPrefix
		mw.handle = addPrefix(m.AddPrefix)
	case m.ReplacePath != nil:
		mw.Kind = KindReplacePath
		mw.handle = replacePath(m.ReplacePath)
	case m.ReplacePathRegex != nil:
		mw.Kind = KindReplacePathRegex
		mw.handle, err = replacePathRegex(m.ReplacePathRegex)
	case m.RedirectScheme != nil:
		mw.Kind = KindRedirectScheme
		mw.handle, err = redirectScheme(m.RedirectScheme)
	case m.RedirectRegex != nil:
		mw.Kind = KindRedirectRegex
		mw.handle, err = redirectRegex(m.RedirectRegex)
	case m.Headers != nil:
		mw.Kind = KindHeaders
		mw.handle = headers(m.Headers)
	}

	var rxErr *regexError
	if errors.As(err, &rxErr) {
		log.WithFields(log.Fields{"middleware": name, "kind": mw.Kind}).
			Errorf("invalid regular expression, every request will fail: %v", rxErr.err)
		mw.handle = internalError
		return mw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mw.Kind, err)
	}
	return mw, nil
}

// BuildChain compiles the named middlewares in order.
func BuildChain(names []string, defs map[string]config.Middleware, stores *Stores) (Chain, error) {
	chain := make(Chain, 0, len(names))
	for _, n := range names {
		def, ok := defs[n]
		if !ok {
			return nil, fmt.Errorf("middleware %q not found", n)
		}
		mw, err := Build(n, def, stores)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", n, err)
		}
		chain = append(chain, mw)
	}
	return chain, nil
}

type regexError struct {
	err error
}

func (e *regexError) Error() string { return e.err.Error() }

func compile(expr string) (*regexp.Regexp, error) {
	rx, err := regexp.Compile(expr)
	if err != nil {
		return nil, &regexError{err: err}
	}
	return rx, nil
}

func internalError(*http.Request, *Ticket) *Outcome {
	return newOutcome(http.StatusInternalServerError)
}

// Unavailable returns a middleware answering every request with 500. It
// stands in for a chain that could not be built, so a broken allow list or
// rate limit never turns into no check at all.
func Unavailable(name string) *Middleware {
	return &Middleware{Name: name, Kind: "unavailable", handle: internalError}
}

// stateKey scopes a source key to one middleware, so two rate limiters
// never share a bucket.
func stateKey(name, source string) string {
	return name + "\x00" + source
}

func rateLimit(name string, c *config.RateLimit, stores *Stores) (handleFunc, error) {
	average := c.Average
	if average > 0 && c.Period > 0 {
		average = average / c.Period.Seconds()
	}
	burst := c.Burst
	source, err := NewSourceResolver(c.SourceCriterion)
	if err != nil {
		return nil, fmt.Errorf("sourceCriterion: %w", err)
	}

	return func(req *http.Request, _ *Ticket) *Outcome {
		key := stateKey(name, source.Resolve(req))
		if stores.RateLimit.TryAdmit(key, burst, average) {
			return nil
		}
		out := newOutcome(http.StatusTooManyRequests)
		out.Header.Set("Retry-After", "1")
		return out
	}, nil
}

// circuitBreaker keys breakers by the Host header, which identifies the
// service the request is for.
func circuitBreaker(name string, c *config.CircuitBreaker, stores *Stores) handleFunc {
	settings := circuit.ParseSettings(c.Expression)

	return func(req *http.Request, t *Ticket) *Outcome {
		done, ok := stores.Breakers.Allow(stateKey(name, req.Host), settings)
		if !ok {
			return newOutcome(http.StatusServiceUnavailable)
		}
		t.onDone(func(status int, reached bool) {
			switch {
			case !reached:
				done(circuit.Skipped)
			case status != 0 && status < http.StatusInternalServerError:
				done(circuit.Success)
			default:
				done(circuit.Failure)
			}
		})
		return nil
	}
}

func inFlightReq(name string, c *config.InFlightReq, stores *Stores) (handleFunc, error) {
	if c.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	amount := c.Amount
	source, err := NewSourceResolver(c.SourceCriterion)
	if err != nil {
		return nil, fmt.Errorf("sourceCriterion: %w", err)
	}

	return func(req *http.Request, t *Ticket) *Outcome {
		key := stateKey(name, source.Resolve(req))
		if !stores.InFlight.TryEnter(key, amount) {
			return newOutcome(http.StatusServiceUnavailable)
		}
		t.onDone(func(int, bool) { stores.InFlight.Leave(key) })
		return nil
	}, nil
}

func ipAllowList(c *config.IPAllowList) (handleFunc, error) {
	allowed, err := parseNets(c.SourceRange)
	if err != nil {
		return nil, fmt.Errorf("sourceRange: %w", err)
	}
	var strategy *ipStrategy
	if c.IPStrategy != nil {
		if strategy, err = newIPStrategy(c.IPStrategy); err != nil {
			return nil, err
		}
	}

	return func(req *http.Request, _ *Ticket) *Outcome {
		var candidate string
		if strategy != nil {
			candidate = strategy.pick(req)
		} else {
			candidate = req.RemoteAddr
		}
		a, err := netip.ParseAddr(rule.StripPort(strings.TrimSpace(candidate)))
		if err != nil || !allowed.Contains(a.Unmap()) {
			return newOutcome(http.StatusForbidden)
		}
		return nil
	}, nil
}

// setPath replaces the request path and keeps the raw path and request URI
// consistent with it.
func setPath(req *http.Request, path, rawPath string) {
	req.URL.Path = path
	req.URL.RawPath = rawPath
	req.RequestURI = req.URL.RequestURI()
}

func ensureLeadingSlash(p string) string {
	if p == "" || p[0] != '/' {
		return "/" + p
	}
	return p
}

func stripRawPrefix(rawPath, prefix string) string {
	if rawPath == "" || !strings.HasPrefix(rawPath, prefix) {
		return ""
	}
	return ensureLeadingSlash(strings.TrimPrefix(rawPath, prefix))
}

func stripPrefix(c *config.StripPrefix) handleFunc {
	prefixes := c.Prefixes

	return func(req *http.Request, _ *Ticket) *Outcome {
		for _, prefix := range prefixes {
			if prefix == "" || !strings.HasPrefix(req.URL.Path, prefix) {
				continue
			}
			setPath(req,
				ensureLeadingSlash(strings.TrimPrefix(req.URL.Path, prefix)),
				stripRawPrefix(req.URL.RawPath, prefix))
			req.Header.Set("X-Forwarded-Prefix", prefix)
			return nil
		}
		return nil
	}
}

func stripPrefixRegex(c *config.StripPrefixRegex) (handleFunc, error) {
	var expressions []*regexp.Regexp
	for _, expr := range c.Regex {
		rx, err := compile("^" + strings.TrimPrefix(expr, "^"))
		if err != nil {
			return nil, err
		}
		expressions = append(expressions, rx)
	}

	return func(req *http.Request, _ *Ticket) *Outcome {
		for _, rx := range expressions {
			prefix := rx.FindString(req.URL.Path)
			if prefix == "" {
				continue
			}
			setPath(req,
				ensureLeadingSlash(strings.TrimPrefix(req.URL.Path, prefix)),
				stripRawPrefix(req.URL.RawPath, prefix))
			req.Header.Set("X-Forwarded-Prefix", prefix)
			return nil
		}
		return nil
	}, nil
}

func addPrefix(c *config.AddPrefix) handleFunc {
	prefix := ensureLeadingSlash(strings.TrimSuffix(c.Prefix, "/"))
	if prefix == "/" {
		prefix = ""
	}

	return func(req *http.Request, _ *Ticket) *Outcome {
		rawPath := ""
		if req.URL.RawPath != "" {
			rawPath = prefix + req.URL.RawPath
		}
		setPath(req, prefix+ensureLeadingSlash(req.URL.Path), rawPath)
		return nil
	}
}

func replacePath(c *config.ReplacePath) handleFunc {
	path := c.Path

	return func(req *http.Request, _ *Ticket) *Outcome {
		req.Header.Set("X-Replaced-Path", req.URL.EscapedPath())
		setPath(req, path, "")
		return nil
	}
}

func replacePathRegex(c *config.ReplacePathRegex) (handleFunc, error) {
	rx, err := compile(c.Regex)
	if err != nil {
		return nil, err
	}
	replacement := c.Replacement

	return func(req *http.Request, _ *Ticket) *Outcome {
		if !rx.MatchString(req.URL.Path) {
			return nil
		}
		req.Header.Set("X-Replaced-Path", req.URL.EscapedPath())
		setPath(req, rx.ReplaceAllString(req.URL.Path, replacement), "")
		return nil
	}, nil
}

func redirectStatus(permanent bool) int {
	if permanent {
		return http.StatusMovedPermanently
	}
	return http.StatusFound
}

func redirect(location string, permanent bool) *Outcome {
	out := newOutcome(redirectStatus(permanent))
	out.Header.Set("Location", location)
	return out
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// redirectScheme redirects requests whose scheme differs from the
// configured one. An explicit port is kept in Location unless it is the
// default port of the target scheme.
func redirectScheme(c *config.RedirectScheme) (handleFunc, error) {
	scheme := strings.ToLower(c.Scheme)
	if _, ok := defaultPorts[scheme]; !ok {
		return nil, fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
	port := c.Port
	if port == defaultPorts[scheme] {
		port = ""
	}
	permanent := c.Permanent

	return func(req *http.Request, _ *Ticket) *Outcome {
		if rule.RequestScheme(req) == scheme {
			return nil
		}

		host := rule.StripPort(req.Host)
		if port != "" {
			host = net.JoinHostPort(host, port)
		} else if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u := *req.URL
		u.Scheme = scheme
		u.Host = host
		u.User = nil
		return redirect(u.String(), permanent)
	}, nil
}

func redirectRegex(c *config.RedirectRegex) (handleFunc, error) {
	rx, err := compile(c.Regex)
	if err != nil {
		return nil, err
	}
	replacement := c.Replacement
	permanent := c.Permanent

	return func(req *http.Request, _ *Ticket) *Outcome {
		current := rule.NewRequestContext(req).URL.String()
		if !rx.MatchString(current) {
			return nil
		}
		return redirect(rx.ReplaceAllString(current, replacement), permanent)
	}, nil
}

func headers(c *config.Headers) handleFunc {
	request := c.CustomRequestHeaders
	response := c.CustomResponseHeaders

	return func(req *http.Request, t *Ticket) *Outcome {
		for k, v := range request {
			if v == "" {
				req.Header.Del(k)
			} else {
				req.Header.Set(k, v)
			}
			if http.CanonicalHeaderKey(k) == "Host" && v != "" {
				req.Host = v
			}
		}
		for k, v := range response {
			t.addResponseHeader(k, v)
		}
		return nil
	}
}
