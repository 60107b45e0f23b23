package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/verkehr/internal/circuit"
	"github.com/fabian4/verkehr/internal/config"
)

func build(t *testing.T, stores *Stores, defs ...config.Middleware) Chain {
	t.Helper()
	var chain Chain
	for i, d := range defs {
		mw, err := Build(string(rune('a'+i)), d, stores)
		require.NoError(t, err)
		chain = append(chain, mw)
	}
	return chain
}

func TestBuild_RejectsInvalidDefinitions(t *testing.T) {
	stores := NewStores()
	for name, m := range map[string]config.Middleware{
		"none": {},
		"two kinds": {
			AddPrefix:   &config.AddPrefix{Prefix: "/a"},
			ReplacePath: &config.ReplacePath{Path: "/b"},
		},
		"bad cidr":       {IPAllowList: &config.IPAllowList{SourceRange: []string{"10.0.0.0/33"}}},
		"bad scheme":     {RedirectScheme: &config.RedirectScheme{Scheme: "ftp"}},
		"zero in-flight": {InFlightReq: &config.InFlightReq{Amount: 0}},
	} {
		_, err := Build(name, m, stores)
		assert.Error(t, err, name)
	}
}

func TestBuildChain_UnknownName(t *testing.T) {
	_, err := BuildChain([]string{"missing"}, nil, NewStores())
	assert.ErrorContains(t, err, `"missing"`)
}

func TestStripPrefix(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		StripPrefix: &config.StripPrefix{Prefixes: []string{"/foo", "/api/v1"}},
	})

	req := httptest.NewRequest("GET", "/api/v1/users?x=1", nil)
	ticket, out := chain.ApplyIncoming(req)
	require.Nil(t, out)
	defer ticket.Done(http.StatusOK)

	assert.Equal(t, "/users", req.URL.Path)
	assert.Equal(t, "x=1", req.URL.RawQuery)
	assert.Equal(t, "/users?x=1", req.RequestURI)
	assert.Equal(t, "/api/v1", req.Header.Get("X-Forwarded-Prefix"))
}

func TestStripPrefix_WholePathLeavesSlash(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		StripPrefix: &config.StripPrefix{Prefixes: []string{"/api"}},
	})
	req := httptest.NewRequest("GET", "/api", nil)
	_, out := chain.ApplyIncoming(req)
	require.Nil(t, out)
	assert.Equal(t, "/", req.URL.Path)
}

func TestStripPrefixRegex(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		StripPrefixRegex: &config.StripPrefixRegex{Regex: []string{`/tenant/[a-z0-9]+`}},
	})
	req := httptest.NewRequest("GET", "/tenant/acme42/orders", nil)
	_, out := chain.ApplyIncoming(req)
	require.Nil(t, out)
	assert.Equal(t, "/orders", req.URL.Path)
	assert.Equal(t, "/tenant/acme42", req.Header.Get("X-Forwarded-Prefix"))

	untouched := httptest.NewRequest("GET", "/other/tenant/acme42", nil)
	_, out = chain.ApplyIncoming(untouched)
	require.Nil(t, out)
	assert.Equal(t, "/other/tenant/acme42", untouched.URL.Path)
	assert.Empty(t, untouched.Header.Get("X-Forwarded-Prefix"))
}

func TestAddPrefixAndReplacePath(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{AddPrefix: &config.AddPrefix{Prefix: "/v2/"}})
	req := httptest.NewRequest("GET", "/items", nil)
	_, out := chain.ApplyIncoming(req)
	require.Nil(t, out)
	assert.Equal(t, "/v2/items", req.URL.Path)

	chain = build(t, NewStores(), config.Middleware{ReplacePath: &config.ReplacePath{Path: "/health"}})
	req = httptest.NewRequest("GET", "/some/where?q=1", nil)
	_, out = chain.ApplyIncoming(req)
	require.Nil(t, out)
	assert.Equal(t, "/health", req.URL.Path)
	assert.Equal(t, "q=1", req.URL.RawQuery)
	assert.Equal(t, "/some/where", req.Header.Get("X-Replaced-Path"))
}

func TestReplacePathRegex(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		ReplacePathRegex: &config.ReplacePathRegex{Regex: `^/users/(\d+)$`, Replacement: "/accounts/$1"},
	})

	req := httptest.NewRequest("GET", "/users/42", nil)
	_, out := chain.ApplyIncoming(req)
	require.Nil(t, out)
	assert.Equal(t, "/accounts/42", req.URL.Path)
	assert.Equal(t, "/users/42", req.Header.Get("X-Replaced-Path"))

	req = httptest.NewRequest("GET", "/users/me", nil)
	_, out = chain.ApplyIncoming(req)
	require.Nil(t, out)
	assert.Equal(t, "/users/me", req.URL.Path)
	assert.Empty(t, req.Header.Get("X-Replaced-Path"))
}

func TestRedirectScheme(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		RedirectScheme: &config.RedirectScheme{Scheme: "https"},
	})

	req := httptest.NewRequest("GET", "http://host/test", nil)
	_, out := chain.ApplyIncoming(req)
	require.NotNil(t, out)
	assert.Equal(t, http.StatusFound, out.Status)
	assert.Equal(t, "https://host/test", out.Header.Get("Location"))

	rec := httptest.NewRecorder()
	out.Write(rec)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://host/test", rec.Header().Get("Location"))

	// already https
	req = httptest.NewRequest("GET", "http://host/test", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	_, out = chain.ApplyIncoming(req)
	assert.Nil(t, out)
}

func TestRedirectScheme_PermanentWithPort(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		RedirectScheme: &config.RedirectScheme{Scheme: "https", Port: "8443", Permanent: true},
	})
	req := httptest.NewRequest("GET", "http://host:8080/a?b=c", nil)
	_, out := chain.ApplyIncoming(req)
	require.NotNil(t, out)
	assert.Equal(t, http.StatusMovedPermanently, out.Status)
	assert.Equal(t, "https://host:8443/a?b=c", out.Header.Get("Location"))
}

func TestRedirectRegex(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		RedirectRegex: &config.RedirectRegex{
			Regex:       `^http://old\.example\.com/(.*)`,
			Replacement: "https://new.example.com/$1",
		},
	})

	req := httptest.NewRequest("GET", "/docs/x", nil)
	req.Host = "old.example.com"
	_, out := chain.ApplyIncoming(req)
	require.NotNil(t, out)
	assert.Equal(t, http.StatusFound, out.Status)
	assert.Equal(t, "https://new.example.com/docs/x", out.Header.Get("Location"))

	req = httptest.NewRequest("GET", "/docs/x", nil)
	req.Host = "other.example.com"
	_, out = chain.ApplyIncoming(req)
	assert.Nil(t, out)
}

func TestInvalidRegexAlwaysFails(t *testing.T) {
	mw, err := Build("broken", config.Middleware{
		ReplacePathRegex: &config.ReplacePathRegex{Regex: "([", Replacement: "/x"},
	}, NewStores())
	require.NoError(t, err)

	for _, path := range []string{"/", "/anything"} {
		req := httptest.NewRequest("GET", path, nil)
		_, out := Chain{mw}.ApplyIncoming(req)
		require.NotNil(t, out, path)
		assert.Equal(t, http.StatusInternalServerError, out.Status)
		assert.Equal(t, path, req.URL.Path, "request must not be rewritten")
	}
}

func TestIPAllowList(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		IPAllowList: &config.IPAllowList{SourceRange: []string{"10.0.0.0/8", "192.0.2.7"}},
	})

	for addr, allowed := range map[string]bool{
		"10.1.2.3:5555":  true,
		"192.0.2.7:1":    true,
		"192.0.2.8:1":    false,
		"not-an-address": false,
	} {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = addr
		_, out := chain.ApplyIncoming(req)
		if allowed {
			assert.Nil(t, out, addr)
		} else {
			require.NotNil(t, out, addr)
			assert.Equal(t, http.StatusForbidden, out.Status, addr)
		}
	}
}

func TestIPAllowList_Strategy(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		IPAllowList: &config.IPAllowList{
			SourceRange: []string{"203.0.113.0/24"},
			IPStrategy:  &config.IPStrategy{Depth: 1},
		},
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 203.0.113.9")
	_, out := chain.ApplyIncoming(req)
	assert.Nil(t, out)

	req = httptest.NewRequest("GET", "/", nil)
	_, out = chain.ApplyIncoming(req)
	require.NotNil(t, out, "no forwarded address means the ip cannot be determined")
	assert.Equal(t, http.StatusForbidden, out.Status)
}

func TestRateLimit_BurstThen429(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		RateLimit: &config.RateLimit{Average: 1, Burst: 2},
	})

	status := func() int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Real-Ip", "192.0.2.1")
		ticket, out := chain.ApplyIncoming(req)
		if out != nil {
			assert.Equal(t, "1", out.Header.Get("Retry-After"))
			return out.Status
		}
		ticket.Done(http.StatusOK)
		return http.StatusOK
	}

	assert.Equal(t, http.StatusOK, status())
	assert.Equal(t, http.StatusOK, status())
	assert.Equal(t, http.StatusTooManyRequests, status())
}

func TestRateLimit_SourcesAreIndependent(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		RateLimit: &config.RateLimit{Average: 1, Burst: 1},
	})

	for _, ip := range []string{"192.0.2.1", "192.0.2.2"} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Real-Ip", ip)
		_, out := chain.ApplyIncoming(req)
		assert.Nil(t, out, ip)
	}
}

func TestInFlight_TicketReleases(t *testing.T) {
	stores := NewStores()
	chain := build(t, stores, config.Middleware{InFlightReq: &config.InFlightReq{Amount: 1}})

	req := func() *http.Request {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Real-Ip", "192.0.2.1")
		return r
	}

	first, out := chain.ApplyIncoming(req())
	require.Nil(t, out)

	_, out = chain.ApplyIncoming(req())
	require.NotNil(t, out)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)

	first.Done(http.StatusOK)
	first.Done(http.StatusOK) // idempotent
	assert.Equal(t, 0, stores.InFlight.Len())

	second, out := chain.ApplyIncoming(req())
	require.Nil(t, out)
	second.Done(http.StatusOK)
}

func TestShortCircuitReleasesEarlierAdmissions(t *testing.T) {
	stores := NewStores()
	chain := build(t, stores,
		config.Middleware{InFlightReq: &config.InFlightReq{Amount: 5}},
		config.Middleware{IPAllowList: &config.IPAllowList{SourceRange: []string{"10.0.0.0/8"}}},
	)

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	ticket, out := chain.ApplyIncoming(req)
	require.NotNil(t, out)
	assert.Nil(t, ticket)
	assert.Equal(t, http.StatusForbidden, out.Status)
	assert.Equal(t, 0, stores.InFlight.Len(), "in-flight slot must be released")
}

func TestCircuitBreaker_OpensOnServerErrors(t *testing.T) {
	stores := NewStores()
	chain := build(t, stores, config.Middleware{
		CircuitBreaker: &config.CircuitBreaker{Expression: "FailureCount >= 2 && RecoveryTimeout = 50ms"},
	})

	serve := func(status int) *Outcome {
		req := httptest.NewRequest("GET", "http://svc.example/", nil)
		ticket, out := chain.ApplyIncoming(req)
		if out == nil {
			ticket.Done(status)
		}
		return out
	}

	require.Nil(t, serve(http.StatusBadGateway))
	require.Nil(t, serve(0)) // no response counts as failure

	out := serve(http.StatusOK)
	require.NotNil(t, out)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
	assert.Equal(t, circuit.Open, stores.Breakers.State("a\x00svc.example"))

	time.Sleep(80 * time.Millisecond)
	require.Nil(t, serve(http.StatusOK), "trial request after recovery timeout")
	assert.Equal(t, circuit.Closed, stores.Breakers.State("a\x00svc.example"))
}

func TestCircuitBreaker_RejectionByLaterMiddlewareIsNoTrialOutcome(t *testing.T) {
	stores := NewStores()
	chain := build(t, stores,
		config.Middleware{CircuitBreaker: &config.CircuitBreaker{Expression: "FailureCount >= 1 && RecoveryTimeout = 30ms"}},
		config.Middleware{IPAllowList: &config.IPAllowList{SourceRange: []string{"10.0.0.0/8"}}},
	)
	key := "a\x00svc.example"
	req := func(remote string) *http.Request {
		r := httptest.NewRequest("GET", "http://svc.example/", nil)
		r.RemoteAddr = remote
		return r
	}

	ticket, out := chain.ApplyIncoming(req("10.0.0.1:1234"))
	require.Nil(t, out)
	ticket.Done(http.StatusBadGateway)
	require.Equal(t, circuit.Open, stores.Breakers.State(key))

	time.Sleep(50 * time.Millisecond)
	_, out = chain.ApplyIncoming(req("192.0.2.1:1234"))
	require.NotNil(t, out)
	assert.Equal(t, http.StatusForbidden, out.Status)
	assert.NotEqual(t, circuit.Closed, stores.Breakers.State(key), "a 403 says nothing about the service")

	_, out = chain.ApplyIncoming(req("10.0.0.1:1234"))
	require.NotNil(t, out)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
}

func TestCircuitBreaker_AbortDoesNotCountAsFailure(t *testing.T) {
	stores := NewStores()
	chain := build(t, stores, config.Middleware{
		CircuitBreaker: &config.CircuitBreaker{Expression: "FailureCount >= 1"},
	})

	for i := 0; i < 3; i++ {
		ticket, out := chain.ApplyIncoming(httptest.NewRequest("GET", "http://svc.example/", nil))
		require.Nil(t, out)
		ticket.Abort(http.StatusNotFound)
	}
	assert.Equal(t, circuit.Closed, stores.Breakers.State("a\x00svc.example"))
}

func TestHeaders(t *testing.T) {
	chain := build(t, NewStores(), config.Middleware{
		Headers: &config.Headers{
			CustomRequestHeaders:  map[string]string{"X-Script-Name": "test", "X-Remove-Me": ""},
			CustomResponseHeaders: map[string]string{"X-Custom-Response": "yes", "Server": ""},
		},
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Remove-Me", "1")
	ticket, out := chain.ApplyIncoming(req)
	require.Nil(t, out)
	defer ticket.Done(http.StatusOK)

	assert.Equal(t, "test", req.Header.Get("X-Script-Name"))
	assert.Empty(t, req.Header.Values("X-Remove-Me"))

	h := http.Header{"Server": {"upstream"}}
	ticket.ApplyResponseHeaders(h)
	assert.Equal(t, "yes", h.Get("X-Custom-Response"))
	assert.Empty(t, h.Values("Server"))
}

func TestChainOrder(t *testing.T) {
	chain := build(t, NewStores(),
		config.Middleware{StripPrefix: &config.StripPrefix{Prefixes: []string{"/api"}}},
		config.Middleware{AddPrefix: &config.AddPrefix{Prefix: "/v2"}},
	)
	req := httptest.NewRequest("GET", "/api/items", nil)
	_, out := chain.ApplyIncoming(req)
	require.Nil(t, out)
	assert.Equal(t, "/v2/items", req.URL.Path)
}

func TestStores_Prune(t *testing.T) {
	stores := NewStores()
	stores.RateLimit.TryAdmit("k", 1, 1000)
	stores.Prune()
	assert.Equal(t, 1, stores.RateLimit.Len(), "recently used buckets stay")
}
