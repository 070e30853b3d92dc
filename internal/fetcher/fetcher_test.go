package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parjafrica/discovery-engine/internal/clock/manual"
	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/policy/ratelimit"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu      sync.Mutex
	page    discovery.Page
	err     error
	calls   []Request
	budgets []time.Duration
}

func (f *fakeBackend) Fetch(ctx context.Context, req Request) (discovery.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if d, ok := ctx.Deadline(); ok {
		f.budgets = append(f.budgets, time.Until(d))
	}
	return f.page, f.err
}

type promoteAll bool

func (p promoteAll) ShouldPromote(discovery.Page, string) bool { return bool(p) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func scrapingTarget() discovery.SearchTarget {
	return discovery.SearchTarget{
		ID:        "t-1",
		URL:       "https://grants.example.org/list",
		Type:      discovery.TargetTypeScraping,
		RateLimit: 10,
		Options: discovery.TargetOptions{
			Headers: map[string]string{"Accept-Language": "en"},
		},
	}
}

func newRouter(t *testing.T, deps Deps) (*Router, *ratelimit.TargetLimiter) {
	t.Helper()
	clk := manual.New(epoch)
	limiter := ratelimit.NewTargetLimiter(clk)
	deps.Permits = limiter
	deps.Clock = clk
	r, err := NewRouter(Config{Timeout: time.Second}, deps)
	require.NoError(t, err)
	return r, limiter
}

func grant(t *testing.T, l *ratelimit.TargetLimiter, target discovery.SearchTarget) discovery.Permit {
	t.Helper()
	d := l.TryAcquire(target)
	require.True(t, d.Granted)
	return d.Permit
}

func TestNewRouterRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewRouter(Config{}, Deps{})
	require.Error(t, err)
	_, err = NewRouter(Config{}, Deps{HTTP: &fakeBackend{}})
	require.Error(t, err)
}

func TestFetchRejectsMissingOrSpentPermit(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{page: discovery.Page{StatusCode: http.StatusOK}}
	r, limiter := newRouter(t, Deps{HTTP: backend})
	target := scrapingTarget()

	_, err := r.Fetch(context.Background(), target, discovery.Permit{TargetID: target.ID})
	require.ErrorIs(t, err, discovery.ErrRateLimited)
	require.Empty(t, backend.calls)

	permit := grant(t, limiter, target)
	_, err = r.Fetch(context.Background(), target, permit)
	require.NoError(t, err)
	_, err = r.Fetch(context.Background(), target, permit)
	require.ErrorIs(t, err, discovery.ErrRateLimited)
	require.Len(t, backend.calls, 1)

	other := target
	other.ID = "t-2"
	_, err = r.Fetch(context.Background(), other, grant(t, limiter, target))
	require.ErrorIs(t, err, discovery.ErrRateLimited)
}

func TestFetchPassesHeadersAndStampsPage(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{page: discovery.Page{StatusCode: http.StatusOK, Body: []byte("ok")}}
	r, limiter := newRouter(t, Deps{HTTP: backend})
	target := scrapingTarget()

	page, err := r.Fetch(context.Background(), target, grant(t, limiter, target))
	require.NoError(t, err)
	require.Equal(t, target.URL, page.URL)
	require.Equal(t, target.URL, page.FinalURL)
	require.Equal(t, epoch, page.FetchedAt)
	require.Equal(t, "en", backend.calls[0].Headers.Get("Accept-Language"))
}

func TestFetchMapsStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   discovery.ErrorKind
	}{
		{http.StatusNotFound, discovery.KindPermanentFetch},
		{http.StatusTooManyRequests, discovery.KindRateLimited},
		{http.StatusBadGateway, discovery.KindTransientFetch},
	}
	for _, tc := range cases {
		backend := &fakeBackend{page: discovery.Page{StatusCode: tc.status}}
		r, limiter := newRouter(t, Deps{HTTP: backend})
		target := scrapingTarget()
		_, err := r.Fetch(context.Background(), target, grant(t, limiter, target))
		require.Error(t, err)
		require.Equal(t, tc.kind, discovery.Classify(err), "status %d", tc.status)
	}
}

func TestFetchClassifiesTransportErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		kind discovery.FetchErrorKind
	}{
		{context.DeadlineExceeded, discovery.FetchTimeout},
		{timeoutErr{}, discovery.FetchTimeout},
		{errors.New("dial tcp: no such host"), discovery.FetchUnreachable},
	}
	for _, tc := range cases {
		backend := &fakeBackend{err: tc.err}
		r, limiter := newRouter(t, Deps{HTTP: backend})
		target := scrapingTarget()
		_, err := r.Fetch(context.Background(), target, grant(t, limiter, target))
		var fe *discovery.FetchError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, tc.kind, fe.Kind)
		require.Equal(t, discovery.KindTransientFetch, discovery.Classify(err))
	}
}

func TestFetchHeadlessTargets(t *testing.T) {
	t.Parallel()

	target := scrapingTarget()
	target.Type = discovery.TargetTypeHeadless

	r, limiter := newRouter(t, Deps{HTTP: &fakeBackend{}})
	_, err := r.Fetch(context.Background(), target, grant(t, limiter, target))
	require.ErrorIs(t, err, discovery.ErrConfig)

	httpBackend := &fakeBackend{}
	browser := &fakeBackend{page: discovery.Page{StatusCode: http.StatusOK, UsedHeadless: true}}
	r, limiter = newRouter(t, Deps{HTTP: httpBackend, Headless: browser})
	page, err := r.Fetch(context.Background(), target, grant(t, limiter, target))
	require.NoError(t, err)
	require.True(t, page.UsedHeadless)
	require.Empty(t, httpBackend.calls)
}

func TestFetchPromotesScrapingPages(t *testing.T) {
	t.Parallel()

	target := scrapingTarget()
	target.Options.Selectors = map[string]string{discovery.SelectorItem: "article.grant"}
	httpBackend := &fakeBackend{page: discovery.Page{StatusCode: http.StatusOK, Duration: time.Second}}
	browser := &fakeBackend{page: discovery.Page{StatusCode: http.StatusOK, UsedHeadless: true, Duration: 2 * time.Second}}

	r, limiter := newRouter(t, Deps{HTTP: httpBackend, Headless: browser, Detector: promoteAll(true)})
	page, err := r.Fetch(context.Background(), target, grant(t, limiter, target))
	require.NoError(t, err)
	require.True(t, page.UsedHeadless)
	require.Equal(t, 3*time.Second, page.Duration)
	require.Equal(t, "article.grant", browser.calls[0].WaitFor)
	require.Empty(t, httpBackend.calls[0].WaitFor)

	browser.err = errors.New("chrome crashed")
	page, err = r.Fetch(context.Background(), target, grant(t, limiter, target))
	require.NoError(t, err)
	require.False(t, page.UsedHeadless, "failed render falls back to the http page")
}

func TestHeadlessRendersUseTheirOwnBudget(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	limiter := ratelimit.NewTargetLimiter(clk)
	httpBackend := &fakeBackend{page: discovery.Page{StatusCode: http.StatusOK}}
	browser := &fakeBackend{page: discovery.Page{StatusCode: http.StatusOK, UsedHeadless: true}}
	r, err := NewRouter(Config{Timeout: time.Second, HeadlessTimeout: time.Minute}, Deps{
		HTTP: httpBackend, Headless: browser, Detector: promoteAll(true), Permits: limiter, Clock: clk,
	})
	require.NoError(t, err)

	headless := scrapingTarget()
	headless.Type = discovery.TargetTypeHeadless
	_, err = r.Fetch(context.Background(), headless, grant(t, limiter, headless))
	require.NoError(t, err)

	promoted := scrapingTarget()
	promoted.ID = "t-promoted"
	_, err = r.Fetch(context.Background(), promoted, grant(t, limiter, promoted))
	require.NoError(t, err)

	require.Len(t, httpBackend.budgets, 1)
	require.LessOrEqual(t, httpBackend.budgets[0], time.Second)
	require.Len(t, browser.budgets, 2)
	for _, budget := range browser.budgets {
		require.Greater(t, budget, 30*time.Second)
	}
}

type blockingHosts struct{}

func (blockingHosts) Wait(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFetchHostWaitTimesOut(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	limiter := ratelimit.NewTargetLimiter(clk)
	r, err := NewRouter(Config{Timeout: 20 * time.Millisecond}, Deps{
		HTTP: &fakeBackend{}, Permits: limiter, Clock: clk, Hosts: blockingHosts{},
	})
	require.NoError(t, err)
	target := scrapingTarget()

	_, err = r.Fetch(context.Background(), target, grant(t, limiter, target))
	var fe *discovery.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, discovery.FetchTimeout, fe.Kind)
}
