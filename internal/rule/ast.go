package rule

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"go4.org/netipx"
)

// Rule is a node of a parsed routing rule. The concrete types are
// *Function, *Negated, *And and *Or.
type Rule interface {
	String() string
	isRule()
}

// Function is a leaf holding a single matcher.
type Function struct {
	Matcher Matcher
}

// Negated inverts the wrapped rule.
type Negated struct {
	Rule Rule
}

// And matches when all of its rules match.
type And struct {
	Rules []Rule
}

// Or matches when any of its rules matches.
type Or struct {
	Rules []Rule
}

func (*Function) isRule() {}
func (*Negated) isRule()  {}
func (*And) isRule()      {}
func (*Or) isRule()       {}

func (f *Function) String() string { return f.Matcher.String() }
func (n *Negated) String() string  { return "!" + group(n.Rule) }
func (a *And) String() string      { return join(a.Rules, " && ") }
func (o *Or) String() string       { return join(o.Rules, " || ") }

func group(r Rule) string {
	switch r.(type) {
	case *And, *Or:
		return "(" + r.String() + ")"
	}
	return r.String()
}

func join(rs []Rule, sep string) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = group(r)
	}
	return strings.Join(parts, sep)
}

// Kind names a matcher function of the rule language.
type Kind string

const (
	KindHeaders       Kind = "Headers"
	KindHeadersRegexp Kind = "HeadersRegexp"
	KindHost          Kind = "Host"
	KindHostHeader    Kind = "HostHeader"
	KindHostRegexp    Kind = "HostRegexp"
	KindMethod        Kind = "Method"
	KindPath          Kind = "Path"
	KindPathPrefix    Kind = "PathPrefix"
	KindQuery         Kind = "Query"
	KindClientIP      Kind = "ClientIP"
)

// Matcher is a leaf predicate.
type Matcher interface {
	Kind() Kind
	String() string
	match(ctx *RequestContext) bool
}

type Headers struct {
	Key   string
	Value string
}

type HeadersRegexp struct {
	Key     string
	Pattern *regexp.Regexp
	raw     string
}

// Host matches the request host. Hosts are lower case; an entry starting
// with "*." matches any subdomain of the rest.
type Host struct {
	Hosts []string
}

// HostHeader is like Host but only ever looks at the Host header.
type HostHeader struct {
	Hosts []string
}

type HostRegexp struct {
	Patterns []*regexp.Regexp
	raw      []string
}

type Method struct {
	Methods []string
}

type Path struct {
	Patterns []*regexp.Regexp
	raw      []string
}

type PathPrefix struct {
	Patterns []*regexp.Regexp
	// exact holds, per pattern, an additional matcher for the path without
	// its trailing slash; nil when the pattern has none.
	exact []*regexp.Regexp
	raw   []string
}

// QueryPair is a key that must be present with exactly Value.
type QueryPair struct {
	Key   string
	Value string
}

type Query struct {
	Pairs []QueryPair
}

type ClientIP struct {
	Nets *netipx.IPSet
	raw  []string
}

func (*Headers) Kind() Kind       { return KindHeaders }
func (*HeadersRegexp) Kind() Kind { return KindHeadersRegexp }
func (*Host) Kind() Kind          { return KindHost }
func (*HostHeader) Kind() Kind    { return KindHostHeader }
func (*HostRegexp) Kind() Kind    { return KindHostRegexp }
func (*Method) Kind() Kind        { return KindMethod }
func (*Path) Kind() Kind          { return KindPath }
func (*PathPrefix) Kind() Kind    { return KindPathPrefix }
func (*Query) Kind() Kind         { return KindQuery }
func (*ClientIP) Kind() Kind      { return KindClientIP }

func call(k Kind, args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "`" + a + "`"
	}
	return fmt.Sprintf("%s(%s)", k, strings.Join(quoted, ", "))
}

func (m *Headers) String() string       { return call(KindHeaders, m.Key, m.Value) }
func (m *HeadersRegexp) String() string { return call(KindHeadersRegexp, m.Key, m.raw) }
func (m *Host) String() string          { return call(KindHost, m.Hosts...) }
func (m *HostHeader) String() string    { return call(KindHostHeader, m.Hosts...) }
func (m *HostRegexp) String() string    { return call(KindHostRegexp, m.raw...) }
func (m *Method) String() string        { return call(KindMethod, m.Methods...) }
func (m *Path) String() string          { return call(KindPath, m.raw...) }
func (m *PathPrefix) String() string    { return call(KindPathPrefix, m.raw...) }
func (m *ClientIP) String() string      { return call(KindClientIP, m.raw...) }

func (m *Query) String() string {
	args := make([]string, len(m.Pairs))
	for i, p := range m.Pairs {
		args[i] = p.Key + "=" + p.Value
	}
	return call(KindQuery, args...)
}

// Contains reports whether addr is inside any configured network.
func (m *ClientIP) Contains(addr netip.Addr) bool {
	return addr.IsValid() && m.Nets.Contains(addr.Unmap())
}

// Walk calls fn for every matcher in r, depth first, left to right.
func Walk(r Rule, fn func(Matcher)) {
	switch n := r.(type) {
	case *Function:
		fn(n.Matcher)
	case *Negated:
		Walk(n.Rule, fn)
	case *And:
		for _, c := range n.Rules {
			Walk(c, fn)
		}
	case *Or:
		for _, c := range n.Rules {
			Walk(c, fn)
		}
	}
}
