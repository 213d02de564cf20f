// Package pipeline runs one capture attempt for a job: borrow a browser
// session, capture the page, extract candidates from markup and screenshot,
// and merge them. Cancellation is checked between stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/merge"
	"github.com/JakeFAU/product-capture/internal/pool"
	"github.com/JakeFAU/product-capture/internal/product"
)

// OCRMode decides when the screenshot is run through OCR.
type OCRMode string

// Supported OCR modes.
const (
	OCRFallback OCRMode = "fallback"
	OCRAlways   OCRMode = "always"
	OCRNever    OCRMode = "never"
)

// ParseOCRMode validates a configured mode; empty means fallback.
func ParseOCRMode(s string) (OCRMode, error) {
	switch OCRMode(s) {
	case "", OCRFallback:
		return OCRFallback, nil
	case OCRAlways, OCRNever:
		return OCRMode(s), nil
	}
	return "", fmt.Errorf("unknown ocr mode %q", s)
}

// SessionPool lends browser sessions.
type SessionPool interface {
	Acquire(ctx context.Context) (*pool.Session, error)
	Release(s *pool.Session, outcome pool.Outcome)
}

// Capturer renders a page in a borrowed session.
type Capturer interface {
	Capture(ctx context.Context, s *pool.Session, url string) (product.Capture, error)
}

// MarkupExtractor reads candidates from rendered HTML.
type MarkupExtractor interface {
	Extract(ctx context.Context, html, pageURL string) (product.ExtractionResult, error)
}

// ImageExtractor reads candidates from a screenshot.
type ImageExtractor interface {
	Extract(ctx context.Context, image []byte, report func(float64)) (product.ExtractionResult, error)
}

// Reporter receives progress inside a stage; fraction is in [0,1].
type Reporter func(stage product.Stage, fraction float64, message string)

// Config tunes a Pipeline.
type Config struct {
	OCRMode             OCRMode
	AcceptanceThreshold float64
	ExtractTimeout      time.Duration
}

// Deps are the collaborators a Pipeline drives. Blobs may be nil, in which
// case screenshots are not persisted.
type Deps struct {
	Pool     SessionPool
	Capturer Capturer
	Markup   MarkupExtractor
	OCR      ImageExtractor
	Blobs    product.BlobStore
}

// Outcome is the product of a successful run.
type Outcome struct {
	Record        product.MergedRecord
	FinalURL      string
	ScreenshotURI string
}

// Pipeline executes capture attempts.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) *Pipeline {
	if cfg.OCRMode == "" {
		cfg.OCRMode = OCRFallback
	}
	if cfg.AcceptanceThreshold <= 0 {
		cfg.AcceptanceThreshold = merge.DefaultAcceptanceThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}
}

// Run performs one attempt for job. Errors are *product.PipelineError values
// unless the parent context was shut down, in which case ctx.Err() is
// returned unchanged.
func (p *Pipeline) Run(ctx context.Context, job product.Job, report Reporter) (Outcome, error) {
	if report == nil {
		report = func(product.Stage, float64, string) {}
	}
	logger := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))

	if err := checkpoint(ctx, product.StageCapture); err != nil {
		return Outcome{}, err
	}
	capture, err := p.capture(ctx, job.URL, report)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{FinalURL: capture.FinalURL}

	if err := checkpoint(ctx, product.StageMarkup); err != nil {
		return Outcome{}, err
	}
	out.ScreenshotURI = p.storeScreenshot(ctx, job, capture.Screenshot, logger)

	report(product.StageMarkup, 0, "parsing markup")
	markupRes, err := p.extractMarkup(ctx, capture)
	if err != nil {
		return Outcome{}, err
	}
	report(product.StageMarkup, 1, "markup parsed")

	if err := checkpoint(ctx, product.StageOCR); err != nil {
		return Outcome{}, err
	}
	var (
		ocrRes     *product.ExtractionResult
		ocrWarning string
	)
	if p.needsOCR(&markupRes) {
		res, err := p.extractImage(ctx, capture.Screenshot, report)
		switch {
		case err == nil:
			ocrRes = &res
		case markupRes.AllRequiredPresent && !isStop(ctx, err):
			// markup alone is enough; the failed corroboration is a gap, not a failure
			ocrWarning = fmt.Sprintf("ocr: %v", err)
			logger.Warn("ocr failed, continuing with markup", zap.Error(err))
		default:
			return Outcome{}, err
		}
	}
	report(product.StageOCR, 1, "ocr done")

	if err := checkpoint(ctx, product.StageMerge); err != nil {
		return Outcome{}, err
	}
	report(product.StageMerge, 0, "merging")
	out.Record = merge.Merge(&markupRes, ocrRes, merge.Policy{AcceptanceThreshold: p.cfg.AcceptanceThreshold})
	if ocrWarning != "" {
		out.Record.Warnings = append(out.Record.Warnings, ocrWarning)
	}
	report(product.StageMerge, 1, "merged")

	logger.Info("pipeline finished",
		zap.Bool("usable", out.Record.Usable()),
		zap.Bool("ocr", ocrRes != nil),
		zap.Int("warnings", len(out.Record.Warnings)),
		zap.Int("errors", len(out.Record.Errors)),
	)
	return out, nil
}

func (p *Pipeline) capture(ctx context.Context, url string, report Reporter) (product.Capture, error) {
	report(product.StageCapture, 0, "waiting for browser session")
	session, err := p.deps.Pool.Acquire(ctx)
	if err != nil {
		if cerr := checkpoint(ctx, product.StageCapture); cerr != nil {
			return product.Capture{}, cerr
		}
		if errors.Is(err, pool.ErrPoolExhausted) {
			return product.Capture{}, product.NewPipelineError(product.FailurePoolExhausted, product.StageCapture, err)
		}
		return product.Capture{}, product.NewPipelineError(product.FailureUnknown, product.StageCapture, err)
	}

	report(product.StageCapture, 0.2, "loading page")
	capture, err := p.deps.Capturer.Capture(ctx, session, url)
	outcome := pool.OutcomeOK
	if err != nil && !session.Resource().Healthy() {
		outcome = pool.OutcomeFatal
	}
	// the session is only needed to render the page
	p.deps.Pool.Release(session, outcome)
	if err != nil {
		if cerr := checkpoint(ctx, product.StageCapture); cerr != nil {
			return product.Capture{}, cerr
		}
		return product.Capture{}, err
	}
	report(product.StageCapture, 1, "page captured")
	return capture, nil
}

func (p *Pipeline) storeScreenshot(ctx context.Context, job product.Job, image []byte, logger *zap.Logger) string {
	if p.deps.Blobs == nil || len(image) == 0 {
		return ""
	}
	path := fmt.Sprintf("screenshots/%s/attempt-%d.png", job.ID, job.Attempts)
	uri, err := p.deps.Blobs.PutObject(ctx, path, "image/png", image)
	if err != nil {
		logger.Warn("screenshot upload failed", zap.Error(err))
		return ""
	}
	return uri
}

func (p *Pipeline) extractMarkup(ctx context.Context, capture product.Capture) (product.ExtractionResult, error) {
	stageCtx, cancel := p.stageContext(ctx)
	defer cancel()
	pageURL := capture.FinalURL
	if pageURL == "" {
		pageURL = capture.RequestURL
	}
	res, err := p.deps.Markup.Extract(stageCtx, capture.HTML, pageURL)
	if err != nil {
		return product.ExtractionResult{}, stageError(ctx, product.StageMarkup, err)
	}
	return res, nil
}

func (p *Pipeline) extractImage(ctx context.Context, image []byte, report Reporter) (product.ExtractionResult, error) {
	if p.deps.OCR == nil {
		return product.ExtractionResult{}, product.NewPipelineError(product.FailureExtraction, product.StageOCR,
			errors.New("no ocr engine configured"))
	}
	if len(image) == 0 {
		return product.ExtractionResult{}, product.NewPipelineError(product.FailureExtraction, product.StageOCR,
			errors.New("capture produced no screenshot"))
	}
	stageCtx, cancel := p.stageContext(ctx)
	defer cancel()
	res, err := p.deps.OCR.Extract(stageCtx, image, func(f float64) {
		report(product.StageOCR, f, "recognizing text")
	})
	if err != nil {
		return product.ExtractionResult{}, stageError(ctx, product.StageOCR, err)
	}
	return res, nil
}

// needsOCR applies the configured gate to the markup result.
func (p *Pipeline) needsOCR(markup *product.ExtractionResult) bool {
	switch p.cfg.OCRMode {
	case OCRNever:
		return false
	case OCRAlways:
		return true
	}
	if !markup.AllRequiredPresent {
		return true
	}
	for _, f := range product.Fields {
		if markup.Has(f) && markup.Confidence.Get(f) < p.cfg.AcceptanceThreshold {
			return true
		}
	}
	return false
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.ExtractTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.ExtractTimeout)
}

// checkpoint aborts the run when the job was cancelled or the worker is
// shutting down.
func checkpoint(ctx context.Context, stage product.Stage) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), product.ErrCancelled) {
		return product.NewPipelineError(product.FailureCancelled, stage, product.ErrCancelled)
	}
	return ctx.Err()
}

// stageError maps an extractor failure. Parent cancellation wins over
// whatever the extractor reported; a stage timeout is an extraction error.
func stageError(parent context.Context, stage product.Stage, err error) error {
	if cerr := checkpoint(parent, stage); cerr != nil {
		return cerr
	}
	var perr *product.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return product.NewPipelineError(product.FailureExtraction, stage, err)
}

func isStop(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	code, _ := product.Classify(err)
	return code == product.FailureCancelled
}
