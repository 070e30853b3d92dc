package collyfetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastGuard(next http.RoundTripper) *robotsGuard {
	g := newRobotsGuard(next)
	g.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return g
}

func TestRobotsGuardFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	guard := fastGuard(base)

	req := httptest.NewRequest(http.MethodGet, "https://grants.example.org/robots.txt", nil)
	resp, err := guard.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, resp.Body.Close()) })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.True(t, guard.fellBack.Load())
	require.Equal(t, 4, base.calls)
}

func TestRobotsGuardStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	guard := fastGuard(base)

	req := httptest.NewRequest(http.MethodGet, "https://grants.example.org/ROBOTS.TXT", nil)
	resp, err := guard.RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
	require.False(t, guard.fellBack.Load())
}

func TestRobotsGuardPassesThroughPages(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	guard := fastGuard(base)

	req := httptest.NewRequest(http.MethodGet, "https://grants.example.org/calls", nil)
	_, err := guard.RoundTrip(req) //nolint:bodyclose // error path returns no body
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, base.calls)
}

func TestRobotsGuardNonTimeoutFails(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: io.ErrUnexpectedEOF}}}
	guard := fastGuard(base)

	req := httptest.NewRequest(http.MethodGet, "https://grants.example.org/robots.txt", nil)
	_, err := guard.RoundTrip(req) //nolint:bodyclose // error path returns no body
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 1, base.calls)
}

func TestRobotsGuardHonoursCanceledRequest(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	guard := newRobotsGuard(base)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "https://grants.example.org/robots.txt", nil).WithContext(ctx)
	_, err := guard.RoundTrip(req) //nolint:bodyclose // error path returns no body
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, guard.fellBack.Load())
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.resp, res.err
}
