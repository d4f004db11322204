// Package httpfetch implements archive.Fetcher as a streaming net/http GET.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

// DefaultUserAgent identifies the archiver on every request.
const DefaultUserAgent = "Mozilla/5.0 (ArchiveBot/0.1)"

// Waiter throttles outbound requests; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls fetch behavior.
type Config struct {
	UserAgent      string
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers and each gap between body reads.
	ReadTimeout time.Duration
	Limiter     Waiter
}

// Fetcher performs GET requests and hands back the open body.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(
			newHTTPTransport(cfg),
			// Archived sites are third parties; spans are recorded but no trace headers are sent.
			otelhttp.WithPropagators(propagation.NewCompositeTextMapPropagator()),
		)},
	}
}

// Fetch issues a GET. The caller must close Response.Body.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*archive.Response, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, url); err != nil {
			return nil, archive.NewNetworkError(url, err)
		}
	}
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, archive.NewNetworkError(url, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, archive.NewNetworkError(url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		cancel()
		return nil, &archive.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	return &archive.Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       newIdleTimeoutBody(resp.Body, url, f.cfg.ReadTimeout, cancel),
	}, nil
}

func newHTTPTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// idleTimeoutBody cancels the request when no bytes arrive for the read
// timeout, and reports read failures as network errors.
type idleTimeoutBody struct {
	body    io.ReadCloser
	url     string
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc

	mu       sync.Mutex
	timedOut bool
	closed   bool
}

func newIdleTimeoutBody(body io.ReadCloser, url string, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, url: url, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, b.expire)
	return b
}

func (b *idleTimeoutBody) expire() {
	b.mu.Lock()
	b.timedOut = true
	b.mu.Unlock()
	b.cancel()
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	b.mu.Lock()
	timedOut := b.timedOut
	b.mu.Unlock()
	if timedOut {
		err = fmt.Errorf("read timeout after %s: %w", b.timeout, err)
	}
	return n, archive.NewNetworkError(b.url, err)
}

func (b *idleTimeoutBody) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.timer.Stop()
	err := b.body.Close()
	b.cancel()
	if err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return nil
}
