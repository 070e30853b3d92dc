// Package collyfetcher is the plain HTTP fetch backend, built on gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/fetcher"
)

// Config controls the collector.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements fetcher.Backend. Every Fetch gets its own collector
// because colly clones share one http.Client; only the transport is shared.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = fetcher.DefaultTimeout
	}
	return &Fetcher{cfg: cfg, transport: defaultTransport()}
}

// Fetch performs one GET. Any HTTP status comes back as a page; the router
// decides what counts as failure.
func (f *Fetcher) Fetch(ctx context.Context, req fetcher.Request) (discovery.Page, error) {
	v := f.newVisit(ctx, req)
	if err := v.run(ctx); err != nil {
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return discovery.Page{}, &discovery.FetchError{
				Kind:       discovery.FetchHTTPError,
				StatusCode: http.StatusForbidden,
				URL:        req.URL,
				Err:        err,
			}
		}
		return discovery.Page{}, err
	}
	if v.robots != nil && v.robots.fellBack.Load() {
		v.page.Headers.Set(RobotsStatusHeader, "indeterminate")
	}
	return v.page, nil
}

// visit is the state of one Fetch call.
type visit struct {
	req       fetcher.Request
	collector *colly.Collector
	robots    *robotsGuard
	start     time.Time
	page      discovery.Page
	err       error
}

func (f *Fetcher) newVisit(ctx context.Context, req fetcher.Request) *visit {
	respect := f.cfg.RespectRobots
	if req.RespectRobots != nil {
		respect = *req.RespectRobots
	}
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodyBytes))
	}
	c := colly.NewCollector(opts...)
	c.IgnoreRobotsTxt = !respect
	c.SetRequestTimeout(f.cfg.Timeout)

	v := &visit{req: req, collector: c, start: time.Now()}
	if respect {
		v.robots = newRobotsGuard(f.transport)
		c.WithTransport(v.robots)
	} else {
		c.WithTransport(f.transport)
	}
	v.bind(c)
	return v
}

func (v *visit) bind(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range v.req.Headers {
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		v.page = discovery.Page{
			URL:        v.req.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.start),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		v.err = err
	})
}

func (v *visit) run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- v.collector.Visit(v.req.URL) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("http fetch %s: %w", v.req.URL, ctx.Err())
	case err := <-done:
		if ctx.Err() != nil {
			return fmt.Errorf("http fetch %s: %w", v.req.URL, ctx.Err())
		}
		if err != nil {
			return fmt.Errorf("http fetch %s: %w", v.req.URL, err)
		}
		if v.err != nil {
			return fmt.Errorf("http response %s: %w", v.req.URL, v.err)
		}
		return nil
	}
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
