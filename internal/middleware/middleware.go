// Package middleware compiles configured middlewares and runs them against
// incoming requests.
//
// A Chain runs its middlewares strictly in order. A middleware either lets
// the request pass, possibly after rewriting it, or answers it with an
// Outcome, which ends the chain. Admissions taken from the shared stores
// are released through the Ticket returned by ApplyIncoming:
//
//	ticket, out := chain.ApplyIncoming(req)
//	if out != nil {
//		out.Write(w)
//		return
//	}
//	status := 0
//	defer func() { ticket.Done(status) }()
//
// A request answered before it reached the upstream is released with
// Abort instead, so breakers do not take it as the service's outcome.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// Kind names a middleware variant.
type Kind string

const (
	KindRateLimit        Kind = "rateLimit"
	KindCircuitBreaker   Kind = "circuitBreaker"
	KindInFlightReq      Kind = "inFlightReq"
	KindIPAllowList      Kind = "ipAllowList"
	KindStripPrefix      Kind = "stripPrefix"
	KindStripPrefixRegex Kind = "stripPrefixRegex"
	KindAddPrefix        Kind = "addPrefix"
	KindReplacePath      Kind = "replacePath"
	KindReplacePathRegex Kind = "replacePathRegex"
	KindRedirectScheme   Kind = "redirectScheme"
	KindRedirectRegex    Kind = "redirectRegex"
	KindHeaders          Kind = "headers"
)

// Outcome is a complete response sent instead of proxying the request.
type Outcome struct {
	Status int
	Header http.Header
	Body   string
}

func newOutcome(status int) *Outcome {
	return &Outcome{
		Status: status,
		Header: make(http.Header),
		Body:   http.StatusText(status) + "\n",
	}
}

// Write sends the outcome.
func (o *Outcome) Write(w http.ResponseWriter) {
	h := w.Header()
	for k, vv := range o.Header {
		h[k] = vv
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	}
	h.Set("Content-Length", strconv.Itoa(len(o.Body)))
	w.WriteHeader(o.Status)
	_, _ = w.Write([]byte(o.Body))
}

// Ticket collects what middlewares took for a request. Done gives it back.
type Ticket struct {
	mu       sync.Mutex
	releases []func(status int, reached bool)
	header   http.Header
	done     bool
}

func (t *Ticket) onDone(f func(status int, reached bool)) {
	t.mu.Lock()
	t.releases = append(t.releases, f)
	t.mu.Unlock()
}

func (t *Ticket) addResponseHeader(key, value string) {
	t.mu.Lock()
	if t.header == nil {
		t.header = make(http.Header)
	}
	if value == "" {
		t.header[http.CanonicalHeaderKey(key)] = nil
	} else {
		t.header.Set(key, value)
	}
	t.mu.Unlock()
}

// ApplyResponseHeaders applies the response headers registered by
// middlewares to h. A nil entry removes the header.
func (t *Ticket) ApplyResponseHeaders(h http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, vv := range t.header {
		if vv == nil {
			h.Del(k)
			continue
		}
		h[k] = append([]string(nil), vv...)
	}
}

// Done releases every admission in reverse order after the request was
// sent upstream. status is the response status sent to the client; 0 means
// no response was produced, which counts as a failure like any 5xx. Only
// the first call to Done or Abort has an effect.
func (t *Ticket) Done(status int) {
	t.release(status, true)
}

// Abort releases every admission of a request that was answered before it
// reached the upstream, e.g. by a later middleware or for lack of a route.
func (t *Ticket) Abort(status int) {
	t.release(status, false)
}

func (t *Ticket) release(status int, reached bool) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	releases := t.releases
	t.releases = nil
	t.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i](status, reached)
	}
}

type handleFunc func(req *http.Request, t *Ticket) *Outcome

// Middleware is one compiled middleware.
type Middleware struct {
	Name   string
	Kind   Kind
	handle handleFunc
}

func (m *Middleware) String() string {
	return fmt.Sprintf("%s(%s)", m.Kind, m.Name)
}

// Chain is an ordered list of middlewares.
type Chain []*Middleware

// ApplyIncoming runs the chain. When a middleware answers the request, the
// returned Outcome is non-nil, whatever the chain took is already released
// and the ticket must not be used. Otherwise the caller owns the ticket and
// must call Done exactly once.
func (c Chain) ApplyIncoming(req *http.Request) (*Ticket, *Outcome) {
	t := &Ticket{}
	for _, m := range c {
		if out := m.handle(req, t); out != nil {
			t.ApplyResponseHeaders(out.Header)
			t.Abort(out.Status)
			return nil, out
		}
	}
	return t, nil
}
