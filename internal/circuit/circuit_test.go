package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fail(t *testing.T, r *Registry, key string, s Settings, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		done, ok := r.Allow(key, s)
		require.True(t, ok, "request %d should be allowed", i)
		done(Failure)
	}
}

func TestParseSettings(t *testing.T) {
	for _, tc := range []struct {
		expr string
		want Settings
	}{
		{"", Settings{5, 30 * time.Second}},
		{"FailureCount >= 3", Settings{3, 30 * time.Second}},
		{"FailureCount>=10 && RecoveryTimeout = 5s", Settings{10, 5 * time.Second}},
		{"RecoveryTimeout = 250ms", Settings{5, 250 * time.Millisecond}},
		{"NetworkErrorRatio() > 0.30", Settings{5, 30 * time.Second}},
		{"FailureCount >= 0", Settings{5, 30 * time.Second}},
	} {
		assert.Equal(t, tc.want, ParseSettings(tc.expr), tc.expr)
	}
}

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	r := NewRegistry(0)
	s := Settings{FailureThreshold: 3, RecoveryTimeout: 50 * time.Millisecond}

	fail(t, r, "svc", s, 3)
	assert.Equal(t, Open, r.State("svc"))

	_, ok := r.Allow("svc", s)
	assert.False(t, ok, "open breaker must reject")

	time.Sleep(80 * time.Millisecond)

	done, ok := r.Allow("svc", s)
	require.True(t, ok, "first request after the timeout is the trial")
	assert.Equal(t, HalfOpen, r.State("svc"))

	_, ok = r.Allow("svc", s)
	assert.False(t, ok, "only one trial while half-open")

	done(Success)
	assert.Equal(t, Closed, r.State("svc"))

	_, ok = r.Allow("svc", s)
	assert.True(t, ok)
}

func TestRegistry_TrialFailureReopens(t *testing.T) {
	r := NewRegistry(0)
	s := Settings{FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond}

	fail(t, r, "svc", s, 1)
	time.Sleep(50 * time.Millisecond)

	done, ok := r.Allow("svc", s)
	require.True(t, ok)
	done(Failure)

	assert.Equal(t, Open, r.State("svc"))
	_, ok = r.Allow("svc", s)
	assert.False(t, ok)
}

func TestRegistry_SuccessResetsFailures(t *testing.T) {
	r := NewRegistry(0)
	s := Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute}

	fail(t, r, "svc", s, 2)
	done, ok := r.Allow("svc", s)
	require.True(t, ok)
	done(Success)

	fail(t, r, "svc", s, 2)
	assert.Equal(t, Closed, r.State("svc"))

	fail(t, r, "svc", s, 1)
	assert.Equal(t, Open, r.State("svc"))
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r := NewRegistry(0)
	s := Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute}

	fail(t, r, "a", s, 1)

	_, ok := r.Allow("a", s)
	assert.False(t, ok)
	_, ok = r.Allow("b", s)
	assert.True(t, ok)
}

func TestRegistry_SettingsChangeReplacesBreaker(t *testing.T) {
	r := NewRegistry(0)
	fail(t, r, "svc", Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute}, 1)

	_, ok := r.Allow("svc", Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	assert.True(t, ok)
}

func TestRegistry_Prune(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	s := Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute}
	fail(t, r, "svc", s, 1)

	assert.Equal(t, 0, r.Prune())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, Closed, r.State("svc"))
}

func TestRegistry_PruneKeepsOpenBreakers(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	s := Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute}
	fail(t, r, "svc", s, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.Prune())
	assert.Equal(t, Open, r.State("svc"))

	_, ok := r.Allow("svc", s)
	assert.False(t, ok, "pruning must not reset an open circuit")
}

func TestRegistry_SkippedRequests(t *testing.T) {
	r := NewRegistry(0)
	s := Settings{FailureThreshold: 2, RecoveryTimeout: 30 * time.Millisecond}

	fail(t, r, "svc", s, 1)
	done, ok := r.Allow("svc", s)
	require.True(t, ok)
	done(Skipped)
	assert.Equal(t, Closed, r.State("svc"), "skipped requests are not failures")

	fail(t, r, "svc", s, 1)
	assert.Equal(t, Open, r.State("svc"), "nor do they reset the failure streak")

	time.Sleep(50 * time.Millisecond)
	done, ok = r.Allow("svc", s)
	require.True(t, ok)
	require.Equal(t, HalfOpen, r.State("svc"))
	done(Skipped)
	assert.Equal(t, Open, r.State("svc"), "a skipped trial never closes the breaker")
	_, ok = r.Allow("svc", s)
	assert.False(t, ok)
}
