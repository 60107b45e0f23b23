package router

import (
	"net/http"
	"net/netip"
	"sort"

	"github.com/fabian4/verkehr/internal/middleware"
	"github.com/fabian4/verkehr/internal/routecache"
	"github.com/fabian4/verkehr/internal/rule"
)

// Route is a compiled HTTP router.
type Route struct {
	Name        string
	Rule        rule.Rule
	Priority    int
	Middlewares middleware.Chain
	Service     string
}

// Table holds the routes of one entrypoint, highest priority first.
type Table struct {
	routes   []*Route
	observed routecache.Observed
	cache    *routecache.Cache[*Route]
}

// New sorts routes by priority (ties by name) and prepares a fresh cache.
func New(routes []*Route, cacheSize int) *Table {
	sorted := append([]*Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	rules := make([]rule.Rule, len(sorted))
	for i, r := range sorted {
		rules[i] = r.Rule
	}
	return &Table{
		routes:   sorted,
		observed: routecache.ObservedBy(rules...),
		cache:    routecache.New[*Route](cacheSize),
	}
}

// Match returns the first route whose rule matches req, or nil.
func (t *Table) Match(req *http.Request) *Route {
	ctx := rule.NewRequestContext(req)
	fp := routecache.NewFingerprint(ctx, t.observed)
	return t.cache.GetOrCompute(fp, func() *Route {
		return t.match(ctx)
	})
}

func (t *Table) match(ctx *rule.RequestContext) *Route {
	for _, r := range t.routes {
		if rule.Match(r.Rule, ctx) {
			return r
		}
	}
	return nil
}

// Routes returns the routes in match order.
func (t *Table) Routes() []*Route {
	return t.routes
}

// CacheStats reports routing cache hits and misses.
func (t *Table) CacheStats() (hits, misses uint64) {
	return t.cache.Stats()
}

// TCPRoute is a compiled TCP router. A nil Rule matches every client.
type TCPRoute struct {
	Name    string
	Rule    rule.Rule
	Service string
}

// TCPTable holds the TCP routes of one entrypoint. Routes with a rule are
// tried before catch-all ones; otherwise longer rules first, ties by name.
type TCPTable struct {
	routes []*TCPRoute
}

func NewTCP(routes []*TCPRoute) *TCPTable {
	sorted := append([]*TCPRoute(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := ruleLen(sorted[i].Rule), ruleLen(sorted[j].Rule)
		if li != lj {
			return li > lj
		}
		return sorted[i].Name < sorted[j].Name
	})
	return &TCPTable{routes: sorted}
}

func ruleLen(r rule.Rule) int {
	if r == nil {
		return 0
	}
	return len(r.String())
}

// Match returns the first route admitting the client address, or nil.
func (t *TCPTable) Match(client netip.Addr) *TCPRoute {
	ctx := &rule.RequestContext{ClientIP: client.Unmap()}
	for _, r := range t.routes {
		if r.Rule == nil || rule.Match(r.Rule, ctx) {
			return r
		}
	}
	return nil
}
