// Package headless renders client-side listing pages in headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/fetcher"
)

const (
	defaultNavigationTimeout = 90 * time.Second
	defaultWaitTimeout       = 30 * time.Second
	defaultSettleDelay       = 5 * time.Second
)

// Config controls the browser backend.
type Config struct {
	// MaxParallel caps concurrent tabs; 0 means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitTimeout bounds the wait for Request.WaitFor. When it expires the
	// page is captured after SettleDelay instead.
	WaitTimeout time.Duration
	// SettleDelay is used when no selector is given or the selector never
	// shows up.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	// The selector wait and the settle delay share the navigation budget.
	if room := c.NavigationTimeout - c.SettleDelay; c.WaitTimeout > room {
		c.WaitTimeout = max(room, 0)
	}
	return c
}

// Fetcher is a fetcher.Backend that drives one shared Chrome process.
type Fetcher struct {
	cfg   Config
	slots chan struct{}

	browser context.Context
	stop    context.CancelFunc
}

// NewChromedp prepares the browser allocator. Chrome itself starts with the
// first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless max parallel must be >= 0")
	}
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	browser, stop := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{cfg: cfg, browser: browser, stop: stop}
	if cfg.MaxParallel > 0 {
		f.slots = make(chan struct{}, cfg.MaxParallel)
	}
	return f, nil
}

// Close terminates Chrome.
func (f *Fetcher) Close() {
	if f.stop != nil {
		f.stop()
	}
}

// Fetch opens req.URL in a fresh tab and returns the rendered document.
func (f *Fetcher) Fetch(ctx context.Context, req fetcher.Request) (discovery.Page, error) {
	release, err := f.take(ctx)
	if err != nil {
		return discovery.Page{}, err
	}
	defer release()

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.navBudget(ctx))
	defer cancel()
	unlink := context.AfterFunc(ctx, cancel)
	defer unlink()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	var html, location string
	start := time.Now()
	err = chromedp.Run(tab,
		f.prepare(req.Headers),
		chromedp.Navigate(req.URL),
		f.waitForContent(req.WaitFor),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return discovery.Page{}, fmt.Errorf("render %s: %w", req.URL, ctx.Err())
		}
		return discovery.Page{}, fmt.Errorf("render %s: %w", req.URL, err)
	}

	status, headers, finalURL := doc.result()
	if finalURL == "" {
		finalURL = location
	}
	if finalURL == "" {
		finalURL = req.URL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return discovery.Page{
		URL:          req.URL,
		FinalURL:     finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// navBudget is the configured navigation timeout, shortened to ctx's deadline.
func (f *Fetcher) navBudget(ctx context.Context) time.Duration {
	budget := f.cfg.NavigationTimeout
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < budget {
			budget = left
		}
	}
	return budget
}

func (f *Fetcher) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if extra := toNetworkHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set request headers: %w", err)
			}
		}
		return nil
	})
}

// waitForContent waits for selector to become visible. A selector that never
// appears is not an error; the page is captured after the settle delay.
func (f *Fetcher) waitForContent(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if selector == "" {
			return chromedp.Sleep(f.cfg.SettleDelay).Do(ctx)
		}
		waitCtx, cancel := context.WithTimeout(ctx, f.cfg.WaitTimeout)
		defer cancel()
		err := chromedp.WaitVisible(selector, chromedp.ByQuery).Do(waitCtx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		return chromedp.Sleep(f.cfg.SettleDelay).Do(ctx)
	})
}

func (f *Fetcher) take(ctx context.Context) (func(), error) {
	if f.slots == nil {
		return func() {}, nil
	}
	select {
	case f.slots <- struct{}{}:
		return func() { <-f.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for browser tab: %w", ctx.Err())
	}
}

// documentResponse records the status and headers of the top-level document.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := fromNetworkHeaders(resp.Response.Headers)
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.headers = headers
	d.url = resp.Response.URL
	d.mu.Unlock()
}

func (d *documentResponse) result() (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return d.status, headers, d.url
}

func fromNetworkHeaders(in network.Headers) http.Header {
	out := make(http.Header, len(in))
	for key, value := range in {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, s := range v {
				out.Add(key, s)
			}
		case []any:
			for _, s := range v {
				out.Add(key, fmt.Sprint(s))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
