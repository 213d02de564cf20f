// Package extract holds helpers shared by the markup and OCR extractors:
// candidate collection and article number label resolution.
package extract

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/product-capture/internal/product"
)

// ArticleNumberLabels are the labels an article number may be printed under,
// in resolution order. Longer, more specific labels come first.
var ArticleNumberLabels = []string{
	"Artikelnummer",
	"Art.-Nr.",
	"Art.Nr.",
	"Artikel-Nr.",
	"ArtikelNr",
	"Artikel",
	"SKU",
	"Item No",
}

var articleNumberPatterns = compileLabelPatterns(ArticleNumberLabels)

func compileLabelPatterns(labels []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(labels))
	for _, label := range labels {
		patterns = append(patterns, regexp.MustCompile(
			`(?i)(?:^|[^\p{L}])`+regexp.QuoteMeta(label)+`\.?(?:\s*[:#]\s*|\s+)([A-Za-z0-9][A-Za-z0-9.\-/]{2,})`))
	}
	return patterns
}

// MatchArticleNumber finds a labelled article number in text. Labels are
// tried in ArticleNumberLabels order; values must contain a digit.
func MatchArticleNumber(text string) (string, bool) {
	for _, pattern := range articleNumberPatterns {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			value := strings.TrimRight(m[1], ".-/")
			if strings.ContainsAny(value, "0123456789") {
				return value, true
			}
		}
	}
	return "", false
}

// IsArticleNumberLabel reports whether text is just a label, as in a
// definition list term.
func IsArticleNumberLabel(text string) bool {
	cleaned := strings.TrimRight(strings.TrimSpace(text), ":#")
	for _, label := range ArticleNumberLabels {
		if strings.EqualFold(strings.TrimSpace(cleaned), label) || strings.EqualFold(strings.TrimSpace(cleaned), strings.TrimSuffix(label, ".")) {
			return true
		}
	}
	return false
}

// CleanText collapses whitespace.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Collector keeps the best candidate per field.
type Collector struct {
	result product.ExtractionResult
}

// NewCollector starts a result for the given source.
func NewCollector(source product.Source) *Collector {
	return &Collector{result: product.ExtractionResult{Source: source}}
}

// OfferText proposes a text value (name, description, article number or raw
// price). It replaces the current candidate only when more confident.
func (c *Collector) OfferText(f product.Field, value string, confidence float64) {
	value = CleanText(value)
	if value == "" {
		return
	}
	candidate := &product.FieldCandidate[string]{
		Value:      value,
		Source:     c.result.Source,
		Confidence: clamp(confidence),
	}
	slot := c.textSlot(f)
	if slot == nil {
		return
	}
	if *slot == nil || candidate.Confidence > (*slot).Confidence {
		*slot = candidate
	}
}

// OfferTiers proposes a tier list.
func (c *Collector) OfferTiers(tiers []product.TieredPrice, confidence float64) {
	if len(tiers) == 0 {
		return
	}
	if c.result.TieredPrices != nil && c.result.TieredPrices.Confidence >= clamp(confidence) {
		return
	}
	c.result.TieredPrices = &product.FieldCandidate[[]product.TieredPrice]{
		Value:      append([]product.TieredPrice(nil), tiers...),
		Source:     c.result.Source,
		Confidence: clamp(confidence),
	}
}

// Has reports whether a candidate exists for f.
func (c *Collector) Has(f product.Field) bool {
	return c.result.Has(f)
}

// Result finalizes the confidence vector and returns the result.
func (c *Collector) Result() product.ExtractionResult {
	c.result.RefreshSummary()
	return c.result
}

func (c *Collector) textSlot(f product.Field) **product.FieldCandidate[string] {
	switch f {
	case product.FieldProductName:
		return &c.result.ProductName
	case product.FieldDescription:
		return &c.result.Description
	case product.FieldArticleNumber:
		return &c.result.ArticleNumber
	case product.FieldPrice:
		return &c.result.Price
	}
	return nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
