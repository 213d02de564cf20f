package browser

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
	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/pool"
	"github.com/JakeFAU/product-capture/internal/product"
)

// Capturer renders pages in a borrowed session.
type Capturer struct {
	cfg    Config
	logger *zap.Logger
}

// NewCapturer builds a Capturer.
func NewCapturer(cfg Config, logger *zap.Logger) *Capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{cfg: cfg, logger: logger}
}

// Capture opens a tab in the session's browser, navigates to url, waits for
// the page to settle and returns the rendered markup and a full-page
// screenshot.
func (c *Capturer) Capture(ctx context.Context, s *pool.Session, url string) (product.Capture, error) {
	inst, ok := s.Resource().(*Instance)
	if !ok {
		return product.Capture{}, fmt.Errorf("session %s does not hold a browser", s.ID())
	}

	tabCtx, tabCancel := chromedp.NewContext(inst.browserCtx)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, c.navTimeout())
	defer cancel()
	// the tab hangs off the browser context, so forward caller cancellation
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	var (
		html       string
		finalURL   string
		screenshot []byte
	)
	actions := []chromedp.Action{
		c.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if c.cfg.PostLoadWait > 0 {
		actions = append(actions, chromedp.Sleep(c.cfg.PostLoadWait))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.FullScreenshot(&screenshot, c.screenshotQuality()),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return product.Capture{}, classifyCaptureError(ctx, tabCtx, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	c.logger.Debug("page captured",
		zap.String("url", url),
		zap.String("final_url", responseURL),
		zap.Int("status", status),
		zap.Int("html_bytes", len(html)),
		zap.Int("screenshot_bytes", len(screenshot)),
	)
	return product.Capture{
		RequestURL: url,
		FinalURL:   responseURL,
		StatusCode: status,
		HTML:       html,
		Screenshot: screenshot,
		Duration:   time.Since(start),
	}, nil
}

func classifyCaptureError(parent, tabCtx context.Context, err error) error {
	if parent.Err() != nil {
		if errors.Is(context.Cause(parent), product.ErrCancelled) {
			return product.NewPipelineError(product.FailureCancelled, product.StageCapture, product.ErrCancelled)
		}
		return product.NewPipelineError(product.FailureNavigationTimeout, product.StageCapture, fmt.Errorf("capture aborted: %w", parent.Err()))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(tabCtx.Err(), context.DeadlineExceeded) {
		return product.NewPipelineError(product.FailureNavigationTimeout, product.StageCapture, fmt.Errorf("chromedp run: %w", err))
	}
	return product.NewPipelineError(product.FailureUnknown, product.StageCapture, fmt.Errorf("chromedp run: %w", err))
}

func (c *Capturer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (c *Capturer) navTimeout() time.Duration {
	if c.cfg.NavigationTimeout > 0 {
		return c.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// screenshotQuality defaults to 100, which makes chromedp emit PNG.
func (c *Capturer) screenshotQuality() int {
	if c.cfg.ScreenshotQuality <= 0 || c.cfg.ScreenshotQuality > 100 {
		return 100
	}
	return c.cfg.ScreenshotQuality
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
