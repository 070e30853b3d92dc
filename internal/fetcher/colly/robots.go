package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RobotsStatusHeader is set on pages whose robots.txt could not be read and
// was treated as allow-all.
const RobotsStatusHeader = "X-Discovery-Robots"

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard sits in front of the transport for one visit. Timed out
// robots.txt requests are retried; when every attempt times out the request is
// answered with an allow-all file and fellBack is set.
type robotsGuard struct {
	next     http.RoundTripper
	backoff  []time.Duration
	fellBack atomic.Bool
}

func newRobotsGuard(next http.RoundTripper) *robotsGuard {
	return &robotsGuard{next: next, backoff: defaultRobotsBackoff}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return g.next.RoundTrip(req)
	}
	for attempt := 0; ; attempt++ {
		resp, err := g.next.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !timedOut(err) {
			return nil, fmt.Errorf("robots.txt fetch: %w", err)
		}
		if attempt >= len(g.backoff) {
			break
		}
		if err := pause(req.Context(), g.backoff[attempt]); err != nil {
			return nil, err
		}
	}
	g.fellBack.Store(true)
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}, nil
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots.txt retry: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// timedOut matches dial, TLS handshake and deadline failures.
func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
