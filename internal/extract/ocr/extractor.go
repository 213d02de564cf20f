package ocr

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/extract"
	"github.com/JakeFAU/product-capture/internal/pricing"
	"github.com/JakeFAU/product-capture/internal/product"
)

// Field confidences are the engine's overall confidence scaled by these.
const (
	weightArticleNumber = 0.9
	weightPrice         = 0.85
	weightTiers         = 0.8
	weightName          = 0.8
	weightDescription   = 0.6

	minNameRunes       = 8
	maxDescriptionRows = 3
)

// Page chrome that OCR picks up above the product block.
var chromeMarkers = []string{
	"warenkorb",
	"anmelden",
	"login",
	"suche",
	"menü",
	"cookie",
	"newsletter",
	"service",
	"startseite",
	"kundenkonto",
	"merkzettel",
}

// Extractor turns screenshots into extraction results.
type Extractor struct {
	engine Engine
	logger *zap.Logger
}

// NewExtractor wraps an Engine.
func NewExtractor(engine Engine, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{engine: engine, logger: logger}
}

// Extract recognizes text in image and derives field candidates from it.
// report, when set, receives sub-progress in [0,1].
func (e *Extractor) Extract(ctx context.Context, image []byte, report func(float64)) (product.ExtractionResult, error) {
	progress := func(f float64) {
		if report != nil {
			report(f)
		}
	}
	progress(0)

	rec, err := e.engine.Recognize(ctx, image)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return product.ExtractionResult{}, ctxErr
		}
		return product.ExtractionResult{}, product.NewPipelineError(product.FailureExtraction, product.StageOCR,
			fmt.Errorf("recognize screenshot: %w", err))
	}
	progress(0.8)

	res := Parse(rec)
	progress(1)
	e.logger.Debug("ocr extracted",
		zap.Int("text_bytes", len(rec.Text)),
		zap.Float64("overall_confidence", rec.Confidence),
		zap.Bool("has_name", res.ProductName != nil),
		zap.Bool("has_article_number", res.ArticleNumber != nil),
	)
	return res, nil
}

// Parse derives candidates from recognized text.
func Parse(rec Recognition) product.ExtractionResult {
	c := extract.NewCollector(product.SourceOCR)
	overall := rec.Confidence
	lines := splitLines(rec.Text)

	for _, line := range lines {
		if value, ok := extract.MatchArticleNumber(line); ok {
			c.OfferText(product.FieldArticleNumber, value, overall*weightArticleNumber)
			break
		}
	}

	if price, ok := findPrice(lines); ok {
		c.OfferText(product.FieldPrice, price, overall*weightPrice)
	}
	c.OfferTiers(pricing.ParseTierLines(lines), overall*weightTiers)

	nameIdx := -1
	for i, line := range lines {
		if isNameLine(line) {
			nameIdx = i
			c.OfferText(product.FieldProductName, line, overall*weightName)
			break
		}
	}
	if nameIdx >= 0 {
		var desc []string
		for _, line := range lines[nameIdx+1:] {
			if len(desc) == maxDescriptionRows {
				break
			}
			if isNameLine(line) {
				desc = append(desc, line)
			}
		}
		c.OfferText(product.FieldDescription, strings.Join(desc, " "), overall*weightDescription)
	}

	res := c.Result()
	res.RawText = rec.Text
	res.OverallConfidence = overall
	return res
}

func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = extract.CleanText(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// findPrice returns the first standalone price line, skipping tier rows.
func findPrice(lines []string) (string, bool) {
	for _, line := range lines {
		if pricing.IsOnRequest(line) {
			return line, true
		}
		if _, isTier := pricing.ParseTier(line); isTier {
			continue
		}
		if !pricing.HasCurrency(line) {
			continue
		}
		if _, err := pricing.ParsePrice(line); err == nil {
			return line, true
		}
	}
	return "", false
}

// isNameLine reports whether line looks like product prose rather than a
// price, label or navigation fragment.
func isNameLine(line string) bool {
	if utf8.RuneCountInString(line) < minNameRunes {
		return false
	}
	lower := strings.ToLower(line)
	for _, m := range chromeMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	if _, ok := extract.MatchArticleNumber(line); ok {
		return false
	}
	if pricing.IsOnRequest(line) || pricing.HasCurrency(line) {
		return false
	}
	letters := 0
	total := 0
	for _, r := range line {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return total > 0 && letters*2 >= total
}
