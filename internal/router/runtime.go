package router

import (
	"reflect"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/fabian4/verkehr/internal/config"
	"github.com/fabian4/verkehr/internal/lb"
	"github.com/fabian4/verkehr/internal/middleware"
	"github.com/fabian4/verkehr/internal/rule"
)

// Service is a compiled upstream pool.
type Service struct {
	Name     string
	Config   config.Service
	Balancer lb.Balancer
}

// Entrypoint is the HTTP routing state of one entrypoint.
type Entrypoint struct {
	Name        string
	Middlewares middleware.Chain
	Table       *Table
}

// Runtime is everything compiled from one configuration snapshot. It is
// immutable; a new snapshot produces a new Runtime, including new routing
// caches.
type Runtime struct {
	Version     uint64
	HTTP        map[string]*Entrypoint
	TCP         map[string]*TCPTable
	Services    map[string]*Service
	TCPServices map[string]*Service
}

// Options tune compilation.
type Options struct {
	CacheSize int
	Health    lb.Options
}

// Compile builds the runtime for cfg. Routers that cannot be compiled are
// logged and skipped; they never take the rest of the configuration down.
// Balancers of services whose definition did not change are taken over
// from prev, so passive health state survives reloads.
func Compile(cfg *config.RoutingConfig, version uint64, stores *middleware.Stores, prev *Runtime, opts Options) *Runtime {
	rt := &Runtime{
		Version:     version,
		HTTP:        make(map[string]*Entrypoint),
		TCP:         make(map[string]*TCPTable),
		Services:    make(map[string]*Service),
		TCPServices: make(map[string]*Service),
	}
	var prevHTTP, prevTCP map[string]*Service
	if prev != nil {
		prevHTTP, prevTCP = prev.Services, prev.TCPServices
	}
	for name, svc := range cfg.HTTP.Services {
		rt.Services[name] = compileService(name, svc, prevHTTP[name], opts.Health)
	}
	for name, svc := range cfg.TCP.Services {
		rt.TCPServices[name] = compileService(name, svc, prevTCP[name], opts.Health)
	}

	// http
	routes := make(map[string][]*Route)
	for _, name := range sortedKeys(cfg.HTTP.Routers) {
		r := cfg.HTTP.Routers[name]
		logger := log.WithFields(log.Fields{"router": name, "kind": "http"})

		parsed, err := rule.Parse(r.Rule)
		if err != nil {
			logger.Errorf("skipping router: %v", err)
			continue
		}
		if _, ok := rt.Services[r.Service]; !ok {
			logger.Errorf("skipping router: service %q not found", r.Service)
			continue
		}
		chain, err := middleware.BuildChain(r.Middlewares, cfg.HTTP.Middlewares, stores)
		if err != nil {
			logger.Errorf("skipping router: %v", err)
			continue
		}

		priority := r.Priority
		if priority == 0 {
			priority = len(r.Rule)
		}
		route := &Route{
			Name:        name,
			Rule:        parsed,
			Priority:    priority,
			Middlewares: chain,
			Service:     r.Service,
		}
		for _, ep := range entrypointsOf(r.EntryPoints, cfg.HTTP.Entrypoints) {
			routes[ep] = append(routes[ep], route)
		}
	}
	for name, ep := range cfg.HTTP.Entrypoints {
		chain, err := middleware.BuildChain(ep.Middlewares, cfg.HTTP.Middlewares, stores)
		if err != nil {
			log.WithField("entrypoint", name).Errorf("entrypoint middlewares unavailable, answering 500: %v", err)
			chain = middleware.Chain{middleware.Unavailable(name)}
		}
		rt.HTTP[name] = &Entrypoint{
			Name:        name,
			Middlewares: chain,
			Table:       New(routes[name], opts.CacheSize),
		}
	}

	// tcp
	tcpRoutes := make(map[string][]*TCPRoute)
	for _, name := range sortedKeys(cfg.TCP.Routers) {
		r := cfg.TCP.Routers[name]
		logger := log.WithFields(log.Fields{"router": name, "kind": "tcp"})

		parsed, err := rule.ParseTCP(r.Rule)
		if err != nil {
			logger.Errorf("skipping router: %v", err)
			continue
		}
		if _, ok := rt.TCPServices[r.Service]; !ok {
			logger.Errorf("skipping router: service %q not found", r.Service)
			continue
		}
		route := &TCPRoute{Name: name, Rule: parsed, Service: r.Service}
		for _, ep := range entrypointsOf(r.EntryPoints, cfg.TCP.Entrypoints) {
			tcpRoutes[ep] = append(tcpRoutes[ep], route)
		}
	}
	for name := range cfg.TCP.Entrypoints {
		rt.TCP[name] = NewTCP(tcpRoutes[name])
	}

	return rt
}

func compileService(name string, svc config.Service, prev *Service, health lb.Options) *Service {
	if prev != nil && reflect.DeepEqual(prev.Config, svc) {
		return prev
	}
	return &Service{
		Name:     name,
		Config:   svc,
		Balancer: lb.NewSmoothWRR(svc.LoadBalancer.Servers, health),
	}
}

// entrypointsOf resolves a router's entrypoint list; empty means all.
// Unknown names are dropped.
func entrypointsOf(names []string, known map[string]config.Entrypoint) []string {
	if len(names) == 0 {
		return sortedKeys(known)
	}
	var out []string
	for _, n := range names {
		if _, ok := known[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
