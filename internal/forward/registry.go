package forward

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fabian4/verkehr/internal/config"
)

// Well-known transport protocols.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
)

// Options tunes every transport the registry builds.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration

	RootCAs *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Registry hands out one shared RoundTripper per distinct servers transport,
// so services with the same settings share a connection pool.
type Registry struct {
	mu    sync.RWMutex
	store map[string]*http.Transport
	opts  Options
}

// NewDefaultRegistry builds a registry with DefaultOptions.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

func NewRegistry(opts Options) *Registry {
	return &Registry{
		store: make(map[string]*http.Transport),
		opts:  opts,
	}
}

func transportKey(st config.ServersTransport) string {
	proto := st.Proto
	if proto == "" {
		proto = ProtoHTTP1
	}
	return fmt.Sprintf("%s|%t|%s", proto, st.InsecureSkipVerify, st.ResponseHeaderTimeout)
}

// For returns the transport for st, building it on first use.
func (r *Registry) For(st config.ServersTransport) http.RoundTripper {
	key := transportKey(st)

	r.mu.RLock()
	tr, ok := r.store[key]
	r.mu.RUnlock()
	if ok {
		return tr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.store[key]; ok {
		return tr
	}
	tr = r.newTransport(st)
	r.store[key] = tr
	return tr
}

// Len reports how many distinct transports exist.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}

// CloseIdle closes idle upstream connections of every transport.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tr := range r.store {
		tr.CloseIdleConnections()
	}
}

func (r *Registry) newTransport(st config.ServersTransport) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: st.InsecureSkipVerify, RootCAs: r.opts.RootCAs},
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
		ResponseHeaderTimeout: st.ResponseHeaderTimeout,
	}
	if st.Proto == ProtoAuto {
		tr.ForceAttemptHTTP2 = true // ALPN to h2 when possible; no h2c
	} else {
		tr.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return tr
}
