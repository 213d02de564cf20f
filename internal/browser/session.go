package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/product-capture/internal/pool"
)

// Config controls browser launch and capture behavior.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	NavigationTimeout time.Duration
	PostLoadWait      time.Duration
	ScreenshotQuality int
}

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultWindowWidth       = 1366
	defaultWindowHeight      = 900
)

// Instance is one running browser process. It implements pool.Resource.
type Instance struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// Close terminates the browser.
func (i *Instance) Close() error {
	i.browserCancel()
	i.allocCancel()
	return nil
}

// Healthy reports whether the browser context is still alive.
func (i *Instance) Healthy() bool {
	return i.browserCtx.Err() == nil
}

// Factory launches browsers for the pool.
type Factory struct {
	cfg Config
}

// NewFactory builds a Factory.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// New launches a browser and waits for it to come up, bounded by ctx.
func (f *Factory) New(ctx context.Context) (pool.Resource, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	errCh := make(chan error, 1)
	go func() {
		// Running with no actions starts the browser process.
		errCh <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}

	return &Instance{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	width, height := f.cfg.WindowWidth, f.cfg.WindowHeight
	if width <= 0 {
		width = defaultWindowWidth
	}
	if height <= 0 {
		height = defaultWindowHeight
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(width, height),
	)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}
