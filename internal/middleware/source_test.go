package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/verkehr/internal/config"
)

func TestSourceResolver_Resolve(t *testing.T) {
	for _, tc := range []struct {
		name    string
		headers map[string]string
		host    string
		sc      *config.SourceCriterion
		want    string
	}{
		{
			name:    "request header",
			headers: map[string]string{"X-Api-Key": "k1", "X-Real-Ip": "10.0.0.1"},
			sc:      &config.SourceCriterion{RequestHeaderName: "X-Api-Key"},
			want:    "k1",
		},
		{
			name:    "empty request header falls through",
			headers: map[string]string{"X-Real-Ip": "10.0.0.1"},
			sc:      &config.SourceCriterion{RequestHeaderName: "X-Api-Key"},
			want:    "10.0.0.1",
		},
		{
			name: "host",
			host: "svc.example.com",
			sc:   &config.SourceCriterion{RequestHost: true},
			want: "svc.example.com",
		},
		{
			name:    "depth one is the last entry",
			headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2, 3.3.3.3"},
			sc:      &config.SourceCriterion{IPStrategy: &config.IPStrategy{Depth: 1}},
			want:    "3.3.3.3",
		},
		{
			name:    "depth two",
			headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2, 3.3.3.3"},
			sc:      &config.SourceCriterion{IPStrategy: &config.IPStrategy{Depth: 2}},
			want:    "2.2.2.2",
		},
		{
			name:    "depth beyond the list is clamped",
			headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"},
			sc:      &config.SourceCriterion{IPStrategy: &config.IPStrategy{Depth: 10}},
			want:    "1.1.1.1",
		},
		{
			name:    "excluded ips skip trusted hops",
			headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2, 10.0.0.5"},
			sc:      &config.SourceCriterion{IPStrategy: &config.IPStrategy{ExcludedIPs: []string{"10.0.0.0/8"}}},
			want:    "2.2.2.2",
		},
		{
			name:    "fallback to x-real-ip",
			headers: map[string]string{"X-Real-Ip": "192.0.2.7", "X-Forwarded-For": "1.1.1.1"},
			want:    "192.0.2.7",
		},
		{
			name:    "fallback to first forwarded entry",
			headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"},
			want:    "1.1.1.1",
		},
		{
			name: "unknown",
			want: "unknown",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.Host = tc.host
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			source, err := NewSourceResolver(tc.sc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, source.Resolve(req))
		})
	}
}

func TestNewSourceResolver_RejectsBadExcludedIPs(t *testing.T) {
	_, err := NewSourceResolver(&config.SourceCriterion{
		IPStrategy: &config.IPStrategy{ExcludedIPs: []string{"10.0.0.0/8", "nope"}},
	})
	assert.ErrorContains(t, err, "excludedIPs")
}
