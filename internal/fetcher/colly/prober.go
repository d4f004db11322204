// Package collyfetcher implements archive.Prober using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

// Waiter throttles outbound requests; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Limiter        Waiter
}

// Prober issues HEAD requests through a Colly collector.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Prober.
func New(cfg Config) *Prober {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport(cfg.ConnectTimeout))
	// Clones share the backend http.Client, so the timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Prober{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Head returns the response headers for url. Non-2xx statuses are NetworkErrors.
func (p *Prober) Head(ctx context.Context, url string) (http.Header, error) {
	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx, url); err != nil {
			return nil, archive.NewNetworkError(url, err)
		}
	}
	var (
		headers  http.Header
		probeErr error
	)
	collector := p.buildCollector(&headers, &probeErr)
	if err := p.runCollector(ctx, collector, url, &probeErr); err != nil {
		return nil, err
	}
	if headers == nil {
		headers = http.Header{}
	}
	return headers, nil
}

func (p *Prober) buildCollector(headers *http.Header, probeErr *error) *colly.Collector {
	collector := p.baseCollector.Clone()
	p.configureCollectorHooks(collector, headers, probeErr)
	return collector
}

func (p *Prober) configureCollectorHooks(hooks collectorHooks, headers *http.Header, probeErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "*/*")
	})

	hooks.OnResponse(func(r *colly.Response) {
		if r.Headers != nil {
			*headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*probeErr = &archive.NetworkError{URL: r.Request.URL.String(), StatusCode: r.StatusCode}
			return
		}
		*probeErr = err
	})
}

func (p *Prober) runCollector(ctx context.Context, collector *colly.Collector, url string, probeErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Head(url)
	}()

	select {
	case <-ctx.Done():
		return archive.NewNetworkError(url, fmt.Errorf("colly head canceled: %w", ctx.Err()))
	case err := <-done:
		if *probeErr != nil {
			return archive.NewNetworkError(url, *probeErr)
		}
		if err != nil {
			return archive.NewNetworkError(url, fmt.Errorf("colly head failed: %w", err))
		}
		return nil
	}
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
