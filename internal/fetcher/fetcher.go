// Package fetcher routes target fetches to the HTTP or headless backend. The
// Router is the only discovery.Fetcher: it redeems the rate-limit permit,
// applies host politeness and the per-call timeout, and turns transport
// failures into *discovery.FetchError values.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// Defaults for unset Config fields.
const (
	DefaultTimeout         = 15 * time.Second
	DefaultHeadlessTimeout = 90 * time.Second
)

// Request is what a Backend needs to retrieve one page.
type Request struct {
	URL     string
	Headers http.Header
	// RespectRobots overrides the backend default when non-nil.
	RespectRobots *bool
	// WaitFor is a CSS selector a browser backend waits for before capturing
	// the DOM.
	WaitFor string
}

// Backend performs the raw network retrieval.
type Backend interface {
	Fetch(ctx context.Context, req Request) (discovery.Page, error)
}

// Detector decides whether a plain HTTP page needs a browser render.
// itemSelector is the target's listing selector, possibly empty.
type Detector interface {
	ShouldPromote(page discovery.Page, itemSelector string) bool
}

// HostWaiter blocks until a host may be contacted.
type HostWaiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the Router.
type Config struct {
	// Timeout bounds plain HTTP fetches.
	Timeout time.Duration
	// HeadlessTimeout bounds browser renders, including promotions. It must
	// leave room for the backend's selector wait and settle delay.
	HeadlessTimeout time.Duration
}

// Deps are the Router collaborators. HTTP and Permits are required.
type Deps struct {
	HTTP     Backend
	Headless Backend
	Detector Detector
	Permits  discovery.PermitRedeemer
	Hosts    HostWaiter
	Clock    discovery.Clock
	Logger   *zap.Logger
}

// Router implements discovery.Fetcher.
type Router struct {
	cfg  Config
	deps Deps
}

// NewRouter validates deps and returns a Router.
func NewRouter(cfg Config, deps Deps) (*Router, error) {
	if deps.HTTP == nil {
		return nil, errors.New("http backend is required")
	}
	if deps.Permits == nil {
		return nil, errors.New("permit redeemer is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HeadlessTimeout <= 0 {
		cfg.HeadlessTimeout = DefaultHeadlessTimeout
	}
	return &Router{cfg: cfg, deps: deps}, nil
}

// Fetch retrieves target's page. The permit is consumed even when the fetch
// later fails.
func (r *Router) Fetch(ctx context.Context, target discovery.SearchTarget, permit discovery.Permit) (discovery.Page, error) {
	if permit.TargetID != target.ID {
		return discovery.Page{}, fmt.Errorf("%w: permit issued for %q, not %q", discovery.ErrRateLimited, permit.TargetID, target.ID)
	}
	if err := r.deps.Permits.Redeem(permit); err != nil {
		return discovery.Page{}, err
	}

	backend, timeout := r.deps.HTTP, r.cfg.Timeout
	if target.Type == discovery.TargetTypeHeadless {
		if r.deps.Headless == nil {
			return discovery.Page{}, fmt.Errorf("%w: target %s needs headless fetching, which is disabled", discovery.ErrConfig, target.ID)
		}
		backend, timeout = r.deps.Headless, r.cfg.HeadlessTimeout
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.deps.Hosts != nil {
		if err := r.deps.Hosts.Wait(fetchCtx, target.URL); err != nil {
			return discovery.Page{}, ClassifyNetError(target.URL, err)
		}
	}

	req := Request{
		URL:           target.URL,
		Headers:       target.Options.HTTPHeader(),
		RespectRobots: target.Options.RespectRobots,
	}
	if target.Type == discovery.TargetTypeHeadless {
		req.WaitFor = target.Options.Selector(discovery.SelectorItem)
	}
	page, err := backend.Fetch(fetchCtx, req)
	if err != nil {
		return discovery.Page{}, ClassifyNetError(target.URL, err)
	}
	page = r.maybePromote(ctx, target, req, page)

	if page.StatusCode >= http.StatusBadRequest || page.StatusCode == 0 {
		return discovery.Page{}, discovery.HTTPStatusError(target.URL, page.StatusCode)
	}
	if page.URL == "" {
		page.URL = target.URL
	}
	if page.FinalURL == "" {
		page.FinalURL = page.URL
	}
	page.FetchedAt = r.deps.Clock.Now()
	return page, nil
}

// maybePromote re-renders SPA-looking scraping pages in the browser under the
// headless timeout. A failed render keeps the plain HTTP page.
func (r *Router) maybePromote(ctx context.Context, target discovery.SearchTarget, req Request, page discovery.Page) discovery.Page {
	if target.Type != discovery.TargetTypeScraping || r.deps.Headless == nil || r.deps.Detector == nil {
		return page
	}
	item := target.Options.Selector(discovery.SelectorItem)
	if !r.deps.Detector.ShouldPromote(page, item) {
		return page
	}
	req.WaitFor = item
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HeadlessTimeout)
	defer cancel()
	rendered, err := r.deps.Headless.Fetch(ctx, req)
	if err != nil {
		r.deps.Logger.Warn("headless promotion failed; using http page",
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
		return page
	}
	rendered.Duration += page.Duration
	return rendered
}

// ClassifyNetError wraps a transport failure in a *discovery.FetchError.
// Errors that are already classified pass through unchanged.
func ClassifyNetError(rawURL string, err error) error {
	if err == nil {
		return nil
	}
	var fe *discovery.FetchError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, discovery.ErrRateLimited) || errors.Is(err, discovery.ErrConfig) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &discovery.FetchError{Kind: discovery.FetchTimeout, URL: rawURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &discovery.FetchError{Kind: discovery.FetchTimeout, URL: rawURL, Err: err}
	}
	return &discovery.FetchError{Kind: discovery.FetchUnreachable, URL: rawURL, Err: err}
}
