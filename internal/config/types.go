package config

import (
	"net/url"
	"slices"
	"time"
)

// RoutingConfig is one complete, immutable configuration snapshot. A new
// snapshot replaces the previous one as a whole.
type RoutingConfig struct {
	HTTP          HTTPConfig
	TCP           TCPConfig
	CertResolvers map[string]CertResolver
}

type HTTPConfig struct {
	Entrypoints map[string]Entrypoint
	Routers     map[string]HTTPRouter
	Services    map[string]Service
	Middlewares map[string]Middleware
}

type TCPConfig struct {
	Entrypoints map[string]Entrypoint
	Routers     map[string]TCPRouter
	Services    map[string]Service
}

// Entrypoint is a named bind address a listener serves.
type Entrypoint struct {
	Address       string
	CertResolver  string // empty => plain text
	ProxyProtocol bool
	Middlewares   []string // HTTP only, run before routing

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration // TCP: splice idle timeout
}

// Equal reports whether two entrypoints would produce the same listener.
// Middlewares are not part of it, they are swapped with the routing
// runtime.
func (e Entrypoint) Equal(o Entrypoint) bool {
	return e.Address == o.Address &&
		e.CertResolver == o.CertResolver &&
		e.ProxyProtocol == o.ProxyProtocol &&
		e.ReadTimeout == o.ReadTimeout &&
		e.WriteTimeout == o.WriteTimeout &&
		e.IdleTimeout == o.IdleTimeout
}

type HTTPRouter struct {
	EntryPoints []string // empty => all HTTP entrypoints
	Rule        string
	Priority    int // 0 => len(Rule)
	Middlewares []string
	Service     string
}

type TCPRouter struct {
	EntryPoints []string // empty => all TCP entrypoints
	Rule        string   // ClientIP(...) only; empty or "*" matches everything
	Service     string
}

type Service struct {
	LoadBalancer     LoadBalancer
	ServersTransport ServersTransport
}

type LoadBalancer struct {
	Servers        []Server
	PassHostHeader *bool // nil => true
}

// PreserveHost reports whether the client Host header goes upstream.
func (lb LoadBalancer) PreserveHost() bool {
	return lb.PassHostHeader == nil || *lb.PassHostHeader
}

// Server is one upstream endpoint. TCP servers carry a "tcp" URL whose
// Host is the dial address.
type Server struct {
	URL    *url.URL
	Weight int // 0 means default (1)
}

type ServersTransport struct {
	Proto                 string // "http1" | "auto"
	InsecureSkipVerify    bool
	ResponseHeaderTimeout time.Duration
}

// Middleware is a tagged union: exactly one field is set.
type Middleware struct {
	RateLimit        *RateLimit        `yaml:"rateLimit"`
	CircuitBreaker   *CircuitBreaker   `yaml:"circuitBreaker"`
	InFlightReq      *InFlightReq      `yaml:"inFlightReq"`
	IPAllowList      *IPAllowList      `yaml:"ipAllowList"`
	StripPrefix      *StripPrefix      `yaml:"stripPrefix"`
	StripPrefixRegex *StripPrefixRegex `yaml:"stripPrefixRegex"`
	AddPrefix        *AddPrefix        `yaml:"addPrefix"`
	ReplacePath      *ReplacePath      `yaml:"replacePath"`
	ReplacePathRegex *ReplacePathRegex `yaml:"replacePathRegex"`
	RedirectScheme   *RedirectScheme   `yaml:"redirectScheme"`
	RedirectRegex    *RedirectRegex    `yaml:"redirectRegex"`
	Headers          *Headers          `yaml:"headers"`
}

// Kinds returns the names of the set variants, in declaration order.
func (m Middleware) Kinds() []string {
	var kinds []string
	add := func(set bool, name string) {
		if set {
			kinds = append(kinds, name)
		}
	}
	add(m.RateLimit != nil, "rateLimit")
	add(m.CircuitBreaker != nil, "circuitBreaker")
	add(m.InFlightReq != nil, "inFlightReq")
	add(m.IPAllowList != nil, "ipAllowList")
	add(m.StripPrefix != nil, "stripPrefix")
	add(m.StripPrefixRegex != nil, "stripPrefixRegex")
	add(m.AddPrefix != nil, "addPrefix")
	add(m.ReplacePath != nil, "replacePath")
	add(m.ReplacePathRegex != nil, "replacePathRegex")
	add(m.RedirectScheme != nil, "redirectScheme")
	add(m.RedirectRegex != nil, "redirectRegex")
	add(m.Headers != nil, "headers")
	return kinds
}

// SourceCriterion selects the key a stateful middleware groups requests by.
type SourceCriterion struct {
	IPStrategy        *IPStrategy `yaml:"ipStrategy"`
	RequestHeaderName string      `yaml:"requestHeaderName"`
	RequestHost       bool        `yaml:"requestHost"`
}

// IPStrategy picks the client address out of X-Forwarded-For.
type IPStrategy struct {
	Depth       int      `yaml:"depth"` // counted from the right, 1 => last entry
	ExcludedIPs []string `yaml:"excludedIPs"`
}

type RateLimit struct {
	Average         float64          `yaml:"average"` // tokens per Period
	Period          time.Duration    `yaml:"period"`  // 0 => 1s
	Burst           int              `yaml:"burst"`
	SourceCriterion *SourceCriterion `yaml:"sourceCriterion"`
}

type CircuitBreaker struct {
	Expression string `yaml:"expression"`
}

type InFlightReq struct {
	Amount          int64            `yaml:"amount"`
	SourceCriterion *SourceCriterion `yaml:"sourceCriterion"`
}

type IPAllowList struct {
	SourceRange []string    `yaml:"sourceRange"`
	IPStrategy  *IPStrategy `yaml:"ipStrategy"`
}

type StripPrefix struct {
	Prefixes []string `yaml:"prefixes"`
}

type StripPrefixRegex struct {
	Regex []string `yaml:"regex"`
}

type AddPrefix struct {
	Prefix string `yaml:"prefix"`
}

type ReplacePath struct {
	Path string `yaml:"path"`
}

type ReplacePathRegex struct {
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
}

type RedirectScheme struct {
	Scheme    string `yaml:"scheme"`
	Port      string `yaml:"port"`
	Permanent bool   `yaml:"permanent"`
}

type RedirectRegex struct {
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
	Permanent   bool   `yaml:"permanent"`
}

// Headers sets request headers before proxying and response headers on
// the way back. An empty value removes the header.
type Headers struct {
	CustomRequestHeaders  map[string]string `yaml:"customRequestHeaders"`
	CustomResponseHeaders map[string]string `yaml:"customResponseHeaders"`
}

// CertResolver serves static certificate/key pairs from disk.
type CertResolver struct {
	Certificates []Certificate
}

func (c CertResolver) Equal(o CertResolver) bool {
	return slices.Equal(c.Certificates, o.Certificates)
}

type Certificate struct {
	CertFile string
	KeyFile  string
}
