package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"www prefix", "https://www.fundsforngos.org/tag/kenya/", "fundsforngos.org"},
		{"subdomain", "https://opportunities.undp.org/calls", "undp.org"},
		{"second level suffix", "https://grants.nrf.ac.za/open", "nrf.ac.za"},
		{"single label", "http://localhost:8080/feed", "localhost"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		Init()
		Init()
	})
}

func TestObserversUpdateCollectors(t *testing.T) {
	before := testutil.ToFloat64(pausedTargetsTotal.WithLabelValues("config_error"))
	ObserveTargetPaused("config_error")
	require.Equal(t, before+1, testutil.ToFloat64(pausedTargetsTotal.WithLabelValues("config_error")))

	SetQueuedTargets(7)
	require.Equal(t, float64(7), testutil.ToFloat64(queuedTargets))

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	require.Equal(t, float64(1), testutil.ToFloat64(activeWorkers))
	DecActiveWorkers()

	ObserveRateLimitDelay("example.org", 250*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
