// Package server keeps one listener per configured entrypoint and follows
// configuration changes without disturbing unchanged entrypoints.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/verkehr/internal/certs"
	"github.com/fabian4/verkehr/internal/config"
	"github.com/fabian4/verkehr/internal/lb"
	"github.com/fabian4/verkehr/internal/middleware"
	"github.com/fabian4/verkehr/internal/proxy"
	"github.com/fabian4/verkehr/internal/router"
)

const (
	DefaultDrainTimeout       = 10 * time.Second
	DefaultReconcileInterval  = time.Second
	DefaultProxyHeaderTimeout = 5 * time.Second

	retryInitial = time.Second
	retryMax     = time.Minute
)

type Options struct {
	DrainTimeout       time.Duration
	ReconcileInterval  time.Duration
	ProxyHeaderTimeout time.Duration // PROXY protocol header read timeout
	CacheSize          int
	Health             lb.Options
	Certs              certs.Resolver // nil = static files of the snapshot
}

// Manager reconciles running listeners with the configuration store.
type Manager struct {
	store   *config.Store
	gateway *proxy.Gateway
	stores  *middleware.Stores
	certs   certs.Resolver
	opts    Options

	mu   sync.RWMutex
	http map[string]*Handle
	tcp  map[string]*Handle

	// owned by the reconcile loop
	reconcileMu sync.Mutex
	version     uint64
	retries     map[retryKey]*retry
	draining    sync.WaitGroup

	listen func(network, address string) (net.Listener, error)
	now    func() time.Time
}

type retryKey struct {
	kind Kind
	name string
}

// retry delays the next start attempt of an entrypoint that failed to
// start, for as long as its configuration stays the same.
type retry struct {
	listener listener
	backoff  *backoff.ExponentialBackOff
	next     time.Time
}

func NewManager(store *config.Store, gw *proxy.Gateway, stores *middleware.Stores, opts Options) *Manager {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.ProxyHeaderTimeout <= 0 {
		opts.ProxyHeaderTimeout = DefaultProxyHeaderTimeout
	}
	resolver := opts.Certs
	if resolver == nil {
		resolver = certs.NewFileResolver(store)
	}
	return &Manager{
		store:   store,
		gateway: gw,
		stores:  stores,
		certs:   resolver,
		opts:    opts,
		http:    make(map[string]*Handle),
		tcp:     make(map[string]*Handle),
		retries: make(map[retryKey]*retry),
		listen:  net.Listen,
		now:     time.Now,
	}
}

// StartAll compiles the current snapshot and starts every entrypoint.
// Entrypoints that fail to start are logged and retried by Watch.
func (m *Manager) StartAll() {
	m.reconcile()
}

// Watch reconciles on every tick until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	t := time.NewTicker(m.opts.ReconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.reconcile()
		}
	}
}

// Handles returns a copy of the running handles of one kind.
func (m *Manager) Handles(kind Kind) map[string]*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Handle)
	for name, h := range m.handles(kind) {
		out[name] = h
	}
	return out
}

// handles must be called with mu held.
func (m *Manager) handles(kind Kind) map[string]*Handle {
	if kind == KindTCP {
		return m.tcp
	}
	return m.http
}

func (m *Manager) reconcile() {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	cfg, version := m.store.Get()
	if version != m.version {
		rt := router.Compile(cfg, version, m.stores, m.gateway.Runtime(), router.Options{
			CacheSize: m.opts.CacheSize,
			Health:    m.opts.Health,
		})
		m.gateway.Swap(rt)
		m.version = version
		if m.gateway.Metrics != nil {
			m.gateway.Metrics.ObserveReload(version, true)
		}
		log.WithField("version", version).Info("routing configuration applied")
	}

	m.sync(KindHTTP, cfg.HTTP.Entrypoints, cfg.CertResolvers)
	m.sync(KindTCP, cfg.TCP.Entrypoints, cfg.CertResolvers)

	if m.gateway.Metrics != nil {
		m.mu.RLock()
		m.gateway.Metrics.SetListeners(string(KindHTTP), len(m.http))
		m.gateway.Metrics.SetListeners(string(KindTCP), len(m.tcp))
		m.mu.RUnlock()
	}
}

// listener is what a running listener was built from.
type listener struct {
	entrypoint config.Entrypoint
	resolver   config.CertResolver
}

func (l listener) equal(o listener) bool {
	return l.entrypoint.Equal(o.entrypoint) && l.resolver.Equal(o.resolver)
}

func (m *Manager) sync(kind Kind, desired map[string]config.Entrypoint, resolvers map[string]config.CertResolver) {
	current := m.Handles(kind)
	want := func(name string) (listener, bool) {
		ep, ok := desired[name]
		if !ok {
			return listener{}, false
		}
		return listener{entrypoint: ep, resolver: resolvers[ep.CertResolver]}, true
	}

	for name, h := range current {
		if l, ok := want(name); !ok || !l.equal(h.listener()) {
			m.stop(kind, name, h)
		}
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l, _ := want(name)
		if h, ok := current[name]; ok && l.equal(h.listener()) {
			continue
		}
		m.tryStart(kind, name, l)
	}

	for key := range m.retries {
		if _, ok := desired[key.name]; key.kind == kind && !ok {
			delete(m.retries, key)
		}
	}
}

func (m *Manager) tryStart(kind Kind, name string, l listener) {
	ep := l.entrypoint
	key := retryKey{kind: kind, name: name}
	r := m.retries[key]
	if r != nil && !r.listener.equal(l) {
		r = nil
	}
	if r != nil && m.now().Before(r.next) {
		return
	}

	h, err := m.start(kind, name, l)
	if err != nil {
		if r == nil {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = retryInitial
			b.MaxInterval = retryMax
			r = &retry{listener: l, backoff: b}
			m.retries[key] = r
		}
		delay := r.backoff.NextBackOff()
		r.next = m.now().Add(delay)
		log.WithFields(log.Fields{"entrypoint": name, "kind": kind, "address": ep.Address}).
			Errorf("entrypoint failed to start, retrying in %s: %v", delay.Round(time.Millisecond), err)
		return
	}
	delete(m.retries, key)

	m.mu.Lock()
	m.handles(kind)[name] = h
	m.mu.Unlock()
	h.logger().Info("entrypoint started")
}

func (m *Manager) stop(kind Kind, name string, h *Handle) {
	m.mu.Lock()
	if m.handles(kind)[name] == h {
		delete(m.handles(kind), name)
	}
	m.mu.Unlock()

	// close the listener now, drain in the background
	_ = h.ln.Close()
	m.draining.Add(1)
	go func() {
		defer m.draining.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DrainTimeout)
		defer cancel()
		if err := h.stop(ctx); err != nil {
			h.logger().Warnf("drain incomplete, connections closed: %v", err)
		}
	}()
}

func (m *Manager) start(kind Kind, name string, l listener) (*Handle, error) {
	ep := l.entrypoint
	tlsConfig, err := m.certs.GetTLSConfig(name)
	if err != nil {
		return nil, err
	}
	ln, err := m.listen("tcp", ep.Address)
	if err != nil {
		return nil, err
	}
	if ep.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: m.opts.ProxyHeaderTimeout}
	}

	h := &Handle{
		ID:         uuid.New(),
		Kind:       kind,
		Name:       name,
		Entrypoint: ep,
		Address:    ln.Addr(),
		resolver:   l.resolver,
		ln:         ln,
		done:       make(chan struct{}),
	}

	switch kind {
	case KindHTTP:
		idle := ep.IdleTimeout
		if idle <= 0 {
			idle = 60 * time.Second
		}
		h.srv = &http.Server{
			Handler:           m.gateway.Handler(name),
			TLSConfig:         tlsConfig,
			ReadTimeout:       ep.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      ep.WriteTimeout,
			IdleTimeout:       idle,
		}
		go func() {
			var err error
			if tlsConfig != nil {
				err = h.srv.ServeTLS(ln, "", "")
			} else {
				err = h.srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				h.logger().Errorf("serve: %v", err)
			}
		}()
	case KindTCP:
		if tlsConfig != nil {
			ln = tls.NewListener(ln, tlsConfig)
		}
		h.tcp = newTCPServer(ln, m.gateway.TCPProxy(name, ep.IdleTimeout).Handle)
		go func() {
			if err := h.tcp.serve(); err != nil {
				h.logger().Errorf("serve: %v", err)
			}
		}()
	}
	return h, nil
}

// Shutdown stops every listener concurrently and waits for connections to
// drain until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	m.mu.Lock()
	var handles []*Handle
	for _, h := range m.http {
		handles = append(handles, h)
	}
	for _, h := range m.tcp {
		handles = append(handles, h)
	}
	m.http = make(map[string]*Handle)
	m.tcp = make(map[string]*Handle)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			return h.stop(gctx)
		})
	}
	err := g.Wait()

	drained := make(chan struct{})
	go func() {
		m.draining.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
