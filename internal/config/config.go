package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/verkehr/internal/rule"
)

type rawEntrypoint struct {
	Address       string   `yaml:"address"`
	CertResolver  string   `yaml:"certResolver"`
	ProxyProtocol bool     `yaml:"proxyProtocol"`
	Middlewares   []string `yaml:"middlewares"`
	Timeouts      struct {
		Read  string `yaml:"read"`
		Write string `yaml:"write"`
		Idle  string `yaml:"idle"`
	} `yaml:"timeouts"`
}

type rawService struct {
	LoadBalancer struct {
		Servers        []any `yaml:"servers"`
		PassHostHeader *bool `yaml:"passHostHeader"`
	} `yaml:"loadBalancer"`
	ServersTransport struct {
		Proto                 string `yaml:"proto"`
		InsecureSkipVerify    bool   `yaml:"insecureSkipVerify"`
		ResponseHeaderTimeout string `yaml:"responseHeaderTimeout"`
	} `yaml:"serversTransport"`
}

type rawConfig struct {
	HTTP struct {
		Entrypoints map[string]rawEntrypoint `yaml:"entrypoints"`
		Routers     map[string]struct {
			EntryPoints []string `yaml:"entrypoints"`
			Rule        string   `yaml:"rule"`
			Priority    int      `yaml:"priority"`
			Middlewares []string `yaml:"middlewares"`
			Service     string   `yaml:"service"`
		} `yaml:"routers"`
		Services    map[string]rawService `yaml:"services"`
		Middlewares map[string]Middleware `yaml:"middlewares"`
	} `yaml:"http"`
	TCP struct {
		Entrypoints map[string]rawEntrypoint `yaml:"entrypoints"`
		Routers     map[string]struct {
			EntryPoints []string `yaml:"entrypoints"`
			Rule        string   `yaml:"rule"`
			Service     string   `yaml:"service"`
		} `yaml:"routers"`
		Services map[string]rawService `yaml:"services"`
	} `yaml:"tcp"`
	CertResolvers map[string]struct {
		Certificates []struct {
			CertFile string `yaml:"certFile"`
			KeyFile  string `yaml:"keyFile"`
		} `yaml:"certificates"`
	} `yaml:"certResolvers"`
}

// Load reads and validates a YAML routing configuration.
func Load(path string) (*RoutingConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse validates a YAML routing configuration. Rules are parsed here too,
// so a configuration that loads never carries a malformed rule.
func Parse(b []byte) (*RoutingConfig, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	cfg := &RoutingConfig{
		HTTP: HTTPConfig{
			Entrypoints: make(map[string]Entrypoint),
			Routers:     make(map[string]HTTPRouter),
			Services:    make(map[string]Service),
			Middlewares: make(map[string]Middleware),
		},
		TCP: TCPConfig{
			Entrypoints: make(map[string]Entrypoint),
			Routers:     make(map[string]TCPRouter),
			Services:    make(map[string]Service),
		},
		CertResolvers: make(map[string]CertResolver),
	}

	// cert resolvers
	for name, r := range rc.CertResolvers {
		if len(r.Certificates) == 0 {
			return nil, fmt.Errorf("certResolvers[%s]: certificates is empty", name)
		}
		var cr CertResolver
		for i, c := range r.Certificates {
			if strings.TrimSpace(c.CertFile) == "" || strings.TrimSpace(c.KeyFile) == "" {
				return nil, fmt.Errorf("certResolvers[%s].certificates[%d]: certFile and keyFile are required", name, i)
			}
			cr.Certificates = append(cr.Certificates, Certificate{
				CertFile: strings.TrimSpace(c.CertFile),
				KeyFile:  strings.TrimSpace(c.KeyFile),
			})
		}
		cfg.CertResolvers[name] = cr
	}

	// middlewares
	for name, m := range rc.HTTP.Middlewares {
		if err := validateMiddleware(m); err != nil {
			return nil, fmt.Errorf("http.middlewares[%s]: %w", name, err)
		}
		cfg.HTTP.Middlewares[name] = m
	}

	// entrypoints
	for name, e := range rc.HTTP.Entrypoints {
		ep, err := parseEntrypoint(e, cfg)
		if err != nil {
			return nil, fmt.Errorf("http.entrypoints[%s]: %w", name, err)
		}
		cfg.HTTP.Entrypoints[name] = ep
	}
	for name, e := range rc.TCP.Entrypoints {
		if len(e.Middlewares) > 0 {
			return nil, fmt.Errorf("tcp.entrypoints[%s]: middlewares are not supported", name)
		}
		ep, err := parseEntrypoint(e, cfg)
		if err != nil {
			return nil, fmt.Errorf("tcp.entrypoints[%s]: %w", name, err)
		}
		if _, dup := cfg.HTTP.Entrypoints[name]; dup {
			return nil, fmt.Errorf("tcp.entrypoints[%s]: name already used by an http entrypoint", name)
		}
		cfg.TCP.Entrypoints[name] = ep
	}

	// services
	for name, s := range rc.HTTP.Services {
		svc, err := parseService(s, false)
		if err != nil {
			return nil, fmt.Errorf("http.services[%s]: %w", name, err)
		}
		cfg.HTTP.Services[name] = svc
	}
	for name, s := range rc.TCP.Services {
		svc, err := parseService(s, true)
		if err != nil {
			return nil, fmt.Errorf("tcp.services[%s]: %w", name, err)
		}
		cfg.TCP.Services[name] = svc
	}

	// routers
	for name, r := range rc.HTTP.Routers {
		if strings.TrimSpace(r.Rule) == "" {
			return nil, fmt.Errorf("http.routers[%s]: rule is required", name)
		}
		if _, err := rule.Parse(r.Rule); err != nil {
			return nil, fmt.Errorf("http.routers[%s]: %w", name, err)
		}
		if err := checkRefs(r.EntryPoints, cfg.HTTP.Entrypoints, "entrypoint"); err != nil {
			return nil, fmt.Errorf("http.routers[%s]: %w", name, err)
		}
		if err := checkRefs(r.Middlewares, cfg.HTTP.Middlewares, "middleware"); err != nil {
			return nil, fmt.Errorf("http.routers[%s]: %w", name, err)
		}
		if _, ok := cfg.HTTP.Services[r.Service]; !ok {
			return nil, fmt.Errorf("http.routers[%s]: service=%q not found in http.services", name, r.Service)
		}
		if r.Priority < 0 {
			return nil, fmt.Errorf("http.routers[%s]: priority must not be negative", name)
		}
		cfg.HTTP.Routers[name] = HTTPRouter{
			EntryPoints: r.EntryPoints,
			Rule:        r.Rule,
			Priority:    r.Priority,
			Middlewares: r.Middlewares,
			Service:     r.Service,
		}
	}
	for name, r := range rc.TCP.Routers {
		if _, err := rule.ParseTCP(r.Rule); err != nil {
			return nil, fmt.Errorf("tcp.routers[%s]: %w", name, err)
		}
		if err := checkRefs(r.EntryPoints, cfg.TCP.Entrypoints, "entrypoint"); err != nil {
			return nil, fmt.Errorf("tcp.routers[%s]: %w", name, err)
		}
		if _, ok := cfg.TCP.Services[r.Service]; !ok {
			return nil, fmt.Errorf("tcp.routers[%s]: service=%q not found in tcp.services", name, r.Service)
		}
		cfg.TCP.Routers[name] = TCPRouter{
			EntryPoints: r.EntryPoints,
			Rule:        r.Rule,
			Service:     r.Service,
		}
	}

	return cfg, nil
}

func parseEntrypoint(e rawEntrypoint, cfg *RoutingConfig) (Entrypoint, error) {
	addr := strings.TrimSpace(e.Address)
	if addr == "" {
		return Entrypoint{}, fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Entrypoint{}, fmt.Errorf("address: %v", err)
	}
	if e.CertResolver != "" {
		if _, ok := cfg.CertResolvers[e.CertResolver]; !ok {
			return Entrypoint{}, fmt.Errorf("certResolver=%q not found in certResolvers", e.CertResolver)
		}
	}
	if err := checkRefs(e.Middlewares, cfg.HTTP.Middlewares, "middleware"); err != nil {
		return Entrypoint{}, err
	}

	ep := Entrypoint{
		Address:       addr,
		CertResolver:  e.CertResolver,
		ProxyProtocol: e.ProxyProtocol,
		Middlewares:   e.Middlewares,
	}
	var err error
	if ep.ReadTimeout, err = parseDuration(e.Timeouts.Read); err != nil {
		return Entrypoint{}, fmt.Errorf("timeouts.read: %v", err)
	}
	if ep.WriteTimeout, err = parseDuration(e.Timeouts.Write); err != nil {
		return Entrypoint{}, fmt.Errorf("timeouts.write: %v", err)
	}
	if ep.IdleTimeout, err = parseDuration(e.Timeouts.Idle); err != nil {
		return Entrypoint{}, fmt.Errorf("timeouts.idle: %v", err)
	}
	return ep, nil
}

func parseService(s rawService, tcp bool) (Service, error) {
	if len(s.LoadBalancer.Servers) == 0 {
		return Service{}, fmt.Errorf("loadBalancer.servers is empty")
	}

	var svc Service
	for i, raw := range s.LoadBalancer.Servers {
		var target string
		weight := 1

		switch v := raw.(type) {
		case string:
			target = v
		case map[string]any:
			if u, ok := v["url"].(string); ok {
				target = u
			}
			if a, ok := v["address"].(string); ok {
				target = a
			}
			if w, ok := v["weight"].(int); ok {
				weight = w
			}
		default:
			return Service{}, fmt.Errorf("loadBalancer.servers[%d]: invalid format", i)
		}
		if weight < 0 {
			return Service{}, fmt.Errorf("loadBalancer.servers[%d]: weight must not be negative", i)
		}

		u, err := parseServer(strings.TrimSpace(target), tcp)
		if err != nil {
			return Service{}, fmt.Errorf("loadBalancer.servers[%d]: %v", i, err)
		}
		svc.LoadBalancer.Servers = append(svc.LoadBalancer.Servers, Server{URL: u, Weight: weight})
	}
	svc.LoadBalancer.PassHostHeader = s.LoadBalancer.PassHostHeader

	proto := strings.ToLower(strings.TrimSpace(s.ServersTransport.Proto))
	if proto == "" {
		proto = "http1"
	}
	switch proto {
	case "http1", "auto":
	default:
		return Service{}, fmt.Errorf("serversTransport: unknown proto %q", proto)
	}
	rht, err := parseDuration(s.ServersTransport.ResponseHeaderTimeout)
	if err != nil {
		return Service{}, fmt.Errorf("serversTransport.responseHeaderTimeout: %v", err)
	}
	svc.ServersTransport = ServersTransport{
		Proto:                 proto,
		InsecureSkipVerify:    s.ServersTransport.InsecureSkipVerify,
		ResponseHeaderTimeout: rht,
	}
	return svc, nil
}

func parseServer(target string, tcp bool) (*url.URL, error) {
	if tcp {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return nil, fmt.Errorf("must be host:port: %v", err)
		}
		return &url.URL{Scheme: "tcp", Host: target}, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("must be http(s) URL with host")
	}
	return u, nil
}

func validateMiddleware(m Middleware) error {
	kinds := m.Kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("no middleware kind set")
	case 1:
	default:
		return fmt.Errorf("exactly one middleware kind allowed, got %s", strings.Join(kinds, ", "))
	}

	switch {
	case m.InFlightReq != nil && m.InFlightReq.Amount <= 0:
		return fmt.Errorf("inFlightReq.amount must be positive")
	case m.IPAllowList != nil && len(m.IPAllowList.SourceRange) == 0:
		return fmt.Errorf("ipAllowList.sourceRange is empty")
	case m.StripPrefix != nil && len(m.StripPrefix.Prefixes) == 0:
		return fmt.Errorf("stripPrefix.prefixes is empty")
	case m.StripPrefixRegex != nil && len(m.StripPrefixRegex.Regex) == 0:
		return fmt.Errorf("stripPrefixRegex.regex is empty")
	case m.RedirectScheme != nil && m.RedirectScheme.Scheme == "":
		return fmt.Errorf("redirectScheme.scheme is required")
	case m.RateLimit != nil && (m.RateLimit.Average < 0 || m.RateLimit.Burst < 0 || m.RateLimit.Period < 0):
		return fmt.Errorf("rateLimit: average, burst and period must not be negative")
	}

	switch {
	case m.IPAllowList != nil:
		if err := checkRanges(m.IPAllowList.SourceRange); err != nil {
			return fmt.Errorf("ipAllowList.sourceRange: %w", err)
		}
		if err := checkStrategy(m.IPAllowList.IPStrategy); err != nil {
			return fmt.Errorf("ipAllowList.%w", err)
		}
	case m.RateLimit != nil && m.RateLimit.SourceCriterion != nil:
		if err := checkStrategy(m.RateLimit.SourceCriterion.IPStrategy); err != nil {
			return fmt.Errorf("rateLimit.sourceCriterion.%w", err)
		}
	case m.InFlightReq != nil && m.InFlightReq.SourceCriterion != nil:
		if err := checkStrategy(m.InFlightReq.SourceCriterion.IPStrategy); err != nil {
			return fmt.Errorf("inFlightReq.sourceCriterion.%w", err)
		}
	case m.RedirectScheme != nil:
		if sc := strings.ToLower(m.RedirectScheme.Scheme); sc != "http" && sc != "https" {
			return fmt.Errorf("redirectScheme.scheme %q is not http or https", m.RedirectScheme.Scheme)
		}
	}
	return nil
}

// checkRanges accepts CIDRs and bare addresses.
func checkRanges(ranges []string) error {
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if _, err := netip.ParsePrefix(r); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(r); err != nil {
			return fmt.Errorf("%q is neither an address nor a CIDR", r)
		}
	}
	return nil
}

func checkStrategy(s *IPStrategy) error {
	if s == nil {
		return nil
	}
	if s.Depth < 0 {
		return fmt.Errorf("ipStrategy.depth must not be negative")
	}
	if err := checkRanges(s.ExcludedIPs); err != nil {
		return fmt.Errorf("ipStrategy.excludedIPs: %w", err)
	}
	return nil
}

func checkRefs[T any](names []string, known map[string]T, what string) error {
	for _, n := range names {
		if _, ok := known[n]; !ok {
			return fmt.Errorf("%s %q not found", what, n)
		}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(strings.TrimSpace(s))
}
