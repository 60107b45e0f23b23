// Package proxy serves the compiled routing runtime: HTTP requests through
// middlewares to load balanced upstreams, and TCP connections spliced to
// upstream servers.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fabian4/verkehr/internal/forward"
	"github.com/fabian4/verkehr/internal/metrics"
	"github.com/fabian4/verkehr/internal/router"
	"github.com/fabian4/verkehr/internal/rule"
)

// Gateway proxies traffic for every entrypoint using the current runtime.
type Gateway struct {
	runtime atomic.Pointer[router.Runtime]

	Transports  *forward.Registry
	Metrics     *metrics.Registry // optional
	AccessLog   *log.Logger       // optional
	DialTimeout time.Duration     // TCP upstream dial timeout
}

func NewGateway(transports *forward.Registry, m *metrics.Registry, accessLog *log.Logger) *Gateway {
	if transports == nil {
		transports = forward.NewDefaultRegistry()
	}
	return &Gateway{
		Transports:  transports,
		Metrics:     m,
		AccessLog:   accessLog,
		DialTimeout: 5 * time.Second,
	}
}

// Swap installs rt for every request and connection accepted from now on
// and returns the previous runtime.
func (g *Gateway) Swap(rt *router.Runtime) *router.Runtime {
	return g.runtime.Swap(rt)
}

// Runtime returns the runtime in use, nil before the first Swap.
func (g *Gateway) Runtime() *router.Runtime {
	return g.runtime.Load()
}

// CacheStats reports routing cache counters per HTTP entrypoint of the
// current runtime.
func (g *Gateway) CacheStats() map[string]metrics.CacheStats {
	out := make(map[string]metrics.CacheStats)
	rt := g.runtime.Load()
	if rt == nil {
		return out
	}
	for name, ep := range rt.HTTP {
		hits, misses := ep.Table.CacheStats()
		out[name] = metrics.CacheStats{Hits: hits, Misses: misses}
	}
	return out
}

// Handler serves HTTP for the named entrypoint.
func (g *Gateway) Handler(entrypoint string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serve(entrypoint, w, r)
	})
}

type exchange struct {
	entrypoint string
	router     string
	service    string
	upstream   string
}

func (g *Gateway) serve(entrypoint string, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	x := &exchange{entrypoint: entrypoint}
	defer func() {
		g.record(x, r, lw, time.Since(start))
	}()

	if r.Header.Get("X-Real-Ip") == "" {
		if ip, err := peerAddr(r.RemoteAddr); err == nil {
			r.Header.Set("X-Real-Ip", ip)
		}
	}

	rt := g.runtime.Load()
	if rt == nil {
		http.NotFound(lw, r)
		return
	}
	ep, ok := rt.HTTP[entrypoint]
	if !ok {
		http.NotFound(lw, r)
		return
	}

	epTicket, out := ep.Middlewares.ApplyIncoming(r)
	if out != nil {
		out.Write(lw)
		return
	}
	reached := false
	defer func() {
		if reached {
			epTicket.Done(lw.statusCode)
		} else {
			epTicket.Abort(lw.statusCode)
		}
	}()

	route := ep.Table.Match(r)
	if route == nil {
		epTicket.ApplyResponseHeaders(lw.Header())
		http.NotFound(lw, r)
		return
	}
	x.router = route.Name
	x.service = route.Service

	routeTicket, out := route.Middlewares.ApplyIncoming(r)
	if out != nil {
		h := make(http.Header)
		epTicket.ApplyResponseHeaders(h)
		for k, vv := range out.Header {
			h[k] = vv
		}
		out.Header = h
		out.Write(lw)
		return
	}
	reached = true
	defer func() { routeTicket.Done(lw.statusCode) }()

	respond := func(status int) {
		epTicket.ApplyResponseHeaders(lw.Header())
		routeTicket.ApplyResponseHeaders(lw.Header())
		http.Error(lw, http.StatusText(status), status)
	}

	svc, ok := rt.Services[route.Service]
	if !ok {
		respond(http.StatusBadGateway)
		return
	}
	endpoint := svc.Balancer.Next()
	if endpoint == nil {
		g.upstreamError(x, "no_endpoint")
		respond(http.StatusBadGateway)
		return
	}
	base := endpoint.URL()

	u := upstreamURL(base, r.URL)
	x.upstream = u.String()

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)

	reqUp, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	if err != nil {
		respond(http.StatusBadRequest)
		return
	}
	reqUp.Header = hdr
	reqUp.ContentLength = r.ContentLength
	if svc.Config.LoadBalancer.PreserveHost() {
		reqUp.Host = r.Host
	} else {
		reqUp.Host = base.Host
	}

	resUp, err := g.Transports.For(svc.Config.ServersTransport).RoundTrip(reqUp)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			endpoint.Feedback(false)
			g.upstreamError(x, "round_trip")
		}
		log.WithFields(log.Fields{"service": x.service, "upstream": x.upstream}).Warnf("upstream error: %v", err)
		respond(http.StatusBadGateway)
		return
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			log.Debugf("error closing upstream body: %v", err)
		}
	}(resUp.Body)

	endpoint.Feedback(resUp.StatusCode < 500)

	dropHopByHop(resUp.Header)
	copyHeaders(lw.Header(), resUp.Header)
	epTicket.ApplyResponseHeaders(lw.Header())
	routeTicket.ApplyResponseHeaders(lw.Header())

	// Announce trailers if any
	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		lw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	lw.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if streaming(resUp) {
		copyFlushing(lw, resUp.Body)
	} else {
		_, _ = io.Copy(lw, resUp.Body)
	}

	// Copy trailer values
	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			lw.Header().Add(k, v)
		}
	}
}

// upstreamURL joins the server base URL with the (possibly rewritten)
// request path and query.
func upstreamURL(base, in *url.URL) *url.URL {
	u := new(url.URL)
	*u = *base
	u.Path = joinSlash(base.Path, in.Path)
	if in.RawPath != "" {
		u.RawPath = joinSlash(base.EscapedPath(), in.RawPath)
	} else {
		u.RawPath = ""
	}
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return u
}

func (g *Gateway) upstreamError(x *exchange, reason string) {
	if g.Metrics != nil {
		g.Metrics.IncUpstreamError(x.service, reason)
	}
}

func (g *Gateway) record(x *exchange, r *http.Request, lw *loggingResponseWriter, d time.Duration) {
	status := lw.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	if g.AccessLog != nil {
		g.AccessLog.WithFields(log.Fields{
			"entrypoint":    x.entrypoint,
			"router":        x.router,
			"service":       x.service,
			"upstream":      x.upstream,
			"method":        r.Method,
			"host":          r.Host,
			"path":          r.URL.Path,
			"protocol":      r.Proto,
			"status":        status,
			"duration_ms":   d.Milliseconds(),
			"client_ip":     rule.ClientAddr(r).String(),
			"user_agent":    r.UserAgent(),
			"referer":       r.Referer(),
			"bytes_written": lw.bytes,
		}).Info("request")
	}
	if g.Metrics != nil {
		g.Metrics.IncRequest(x.entrypoint, x.router, x.service, r.Method, status)
		g.Metrics.ObserveLatency(x.entrypoint, x.service, d)
	}
}
