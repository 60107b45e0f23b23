/*
Package routecache memoizes routing decisions.

A fingerprint covers exactly the request attributes the rules of one
routing table can observe, so two requests with equal fingerprints are
routed the same way:

  - method, when some rule uses Method
  - the URL host and the Host header, when some rule uses Host,
    HostHeader or HostRegexp
  - the path, when some rule uses Path or PathPrefix
  - the query, in canonical (sorted) form, when some rule uses Query
  - the values of every header named by Headers or HeadersRegexp
  - the client IP, when some rule uses ClientIP

A cache belongs to one routing table and is dropped together with it.
*/
package routecache

import (
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/fabian4/verkehr/internal/rule"
)

const DefaultSize = 4096

// Observed lists the request attributes a set of rules reads.
type Observed struct {
	Method   bool
	Host     bool
	Path     bool
	Query    bool
	ClientIP bool
	// Headers holds canonical header names, sorted.
	Headers []string
}

// ObservedBy collects what the given rules can observe. Nil rules are
// skipped.
func ObservedBy(rules ...rule.Rule) Observed {
	var o Observed
	for _, r := range rules {
		if r == nil {
			continue
		}
		rule.Walk(r, func(m rule.Matcher) {
			switch mm := m.(type) {
			case *rule.Method:
				o.Method = true
			case *rule.Host, *rule.HostHeader, *rule.HostRegexp:
				o.Host = true
			case *rule.Path, *rule.PathPrefix:
				o.Path = true
			case *rule.Query:
				o.Query = true
			case *rule.ClientIP:
				o.ClientIP = true
			case *rule.Headers:
				o.addHeader(mm.Key)
			case *rule.HeadersRegexp:
				o.addHeader(mm.Key)
			}
		})
	}
	slices.Sort(o.Headers)
	return o
}

func (o *Observed) addHeader(key string) {
	if !slices.Contains(o.Headers, key) {
		o.Headers = append(o.Headers, key)
	}
}

// Fingerprint identifies a request shape. The canonical form is kept next
// to the hash so a hash collision is detected instead of served.
type Fingerprint struct {
	Hash      uint64
	canonical string
}

// NewFingerprint builds the fingerprint of ctx over the observed
// attributes.
func NewFingerprint(ctx *rule.RequestContext, o Observed) Fingerprint {
	b := make([]byte, 0, 128)
	field := func(tag byte, v string) {
		b = append(b, tag)
		b = strconv.AppendInt(b, int64(len(v)), 10)
		b = append(b, ':')
		b = append(b, v...)
	}

	if o.Method {
		field('m', ctx.Method)
	}
	if o.Host {
		field('u', ctx.URL.Host)
		field('h', ctx.Host)
	}
	if o.Path {
		field('p', ctx.URL.Path)
	}
	if o.Query {
		field('q', ctx.Query().Encode())
	}
	if o.ClientIP {
		if ctx.ClientIP.IsValid() {
			field('c', ctx.ClientIP.String())
		} else {
			field('c', "")
		}
	}
	for _, name := range o.Headers {
		values := ctx.Header.Values(name)
		field('H', name)
		b = strconv.AppendInt(b, int64(len(values)), 10)
		for _, v := range values {
			field('v', v)
		}
	}

	return Fingerprint{Hash: xxhash.Sum64(b), canonical: string(b)}
}

type entry[V any] struct {
	canonical string
	value     V
}

// Cache is a bounded LRU from fingerprints to routing outcomes.
type Cache[V any] struct {
	lru    *lru.Cache
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache holding up to size entries; size <= 0 means
// DefaultSize.
func New[V any](size int) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	// only fails for a non-positive size
	l, _ := lru.New(size)
	return &Cache[V]{lru: l}
}

// GetOrCompute returns the cached outcome for fp or computes and stores
// it. Concurrent misses for the same fingerprint may compute twice; the
// computation is deterministic for a given routing table.
func (c *Cache[V]) GetOrCompute(fp Fingerprint, compute func() V) V {
	if v, ok := c.lru.Get(fp.Hash); ok {
		if e := v.(*entry[V]); e.canonical == fp.canonical {
			c.hits.Add(1)
			return e.value
		}
	}
	c.misses.Add(1)

	value := compute()
	c.lru.Add(fp.Hash, &entry[V]{canonical: fp.canonical, value: value})
	return value
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns the hit and miss counts since creation.
func (c *Cache[V]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
