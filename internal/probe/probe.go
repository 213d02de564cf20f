// Package probe fetches raw page bodies over plain HTTP so the scheduler can
// fingerprint content before spending a browser session on it.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Page is the raw response of a probe.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Prober issues single GET requests through a Colly collector.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Prober.
func New(cfg Config) *Prober {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Prober{cfg: cfg, baseCollector: c}
}

// Fetch downloads url. Non-2xx responses are errors.
func (p *Prober) Fetch(ctx context.Context, url string) (Page, error) {
	var (
		page     Page
		fetchErr error
	)
	collector := p.buildCollector()
	p.configureHooks(collector, time.Now(), &page, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Page{}, fmt.Errorf("probe response failed: %w", fetchErr)
		}
		if err != nil {
			return Page{}, fmt.Errorf("probe visit failed: %w", err)
		}
		return page, nil
	}
}

func (p *Prober) buildCollector() *colly.Collector {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	timeout := p.cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (p *Prober) configureHooks(hooks collectorHooks, start time.Time, page *Page, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
	}
}
