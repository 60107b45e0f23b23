package lb

import (
	"net/url"
	"testing"
	"time"

	"github.com/fabian4/verkehr/internal/config"
)

func servers(t *testing.T, weights map[string]int, order ...string) []config.Server {
	t.Helper()
	var out []config.Server
	for _, host := range order {
		u, err := url.Parse("http://" + host)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		out = append(out, config.Server{URL: u, Weight: weights[host]})
	}
	return out
}

func TestSmoothWRR(t *testing.T) {
	lb := NewSmoothWRR(servers(t, map[string]int{"a": 5, "b": 1, "c": 1}, "a", "b", "c"), Options{})

	// Total weight = 7
	// Expected sequence for smooth WRR (Nginx style):
	// A (5, 1, 1) -> current: 5, 1, 1 -> best A (5) -> current: -2, 1, 1
	// A (5, 1, 1) -> current: 3, 2, 2 -> best A (3) -> current: -4, 2, 2
	// B (5, 1, 1) -> current: 1, 3, 3 -> best B (3) -> current: 1, -4, 3
	// A (5, 1, 1) -> current: 6, -3, 4 -> best A (6) -> current: -1, -3, 4
	// C (5, 1, 1) -> current: 4, -2, 5 -> best C (5) -> current: 4, -2, -2
	// A (5, 1, 1) -> current: 9, -1, -1 -> best A (9) -> current: 2, -1, -1
	// A (5, 1, 1) -> current: 7, 0, 0 -> best A (7) -> current: 0, 0, 0

	expected := []string{"a", "a", "b", "a", "c", "a", "a"}

	for i, want := range expected {
		got := lb.Next()
		if got.URL().Host != want {
			t.Errorf("step %d: got %s, want %s", i, got.URL().Host, want)
		}
	}
}

func TestSmoothWRR_ZeroWeightIsOne(t *testing.T) {
	lb := NewSmoothWRR(servers(t, nil, "a", "b"), Options{})

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		seen[lb.Next().URL().Host]++
	}
	if seen["a"] != 5 || seen["b"] != 5 {
		t.Fatalf("distribution: got %v, want 5/5", seen)
	}
}

func TestSmoothWRR_PassiveHealth(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewSmoothWRR(servers(t, nil, "a", "b"), Options{MaxFails: 2, FailTimeout: 10 * time.Second}).(*smoothWRR)
	b.now = func() time.Time { return now }

	// 1:1 alternates a, b, a, b...
	for i := 0; i < 2; i++ {
		ep := b.Next()
		if ep.URL().Host != "a" {
			t.Fatalf("round %d: want a, got %s", i, ep.URL().Host)
		}
		ep.Feedback(false)
		b.Next().Feedback(true)
	}

	for i := 0; i < 5; i++ {
		if ep := b.Next(); ep.URL().Host == "a" {
			t.Fatalf("iteration %d: expected 'a' to be skipped", i)
		}
	}

	now = now.Add(11 * time.Second)
	seenA := false
	for i := 0; i < 3; i++ {
		if b.Next().URL().Host == "a" {
			seenA = true
		}
	}
	if !seenA {
		t.Fatalf("a must be retried after the fail timeout")
	}
}

func TestSmoothWRR_AllSkipped(t *testing.T) {
	lb := NewSmoothWRR(servers(t, nil, "a"), Options{MaxFails: 1})
	lb.Next().Feedback(false)
	if ep := lb.Next(); ep != nil {
		t.Fatalf("want nil endpoint, got %s", ep.URL())
	}
}
