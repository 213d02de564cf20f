// Package merge combines markup and OCR extraction results into one product
// record. Merge is pure: identical inputs always produce identical records.
package merge

import (
	"fmt"

	"github.com/JakeFAU/product-capture/internal/pricing"
	"github.com/JakeFAU/product-capture/internal/product"
)

// DefaultAcceptanceThreshold is used when Policy leaves the threshold unset.
const DefaultAcceptanceThreshold = 0.7

// Policy tunes field resolution.
type Policy struct {
	// AcceptanceThreshold is the minimum confidence for a candidate to win
	// without being flagged as a fallback.
	AcceptanceThreshold float64
}

func (p Policy) threshold() float64 {
	if p.AcceptanceThreshold <= 0 {
		return DefaultAcceptanceThreshold
	}
	return p.AcceptanceThreshold
}

// Merge resolves every field independently. For each field the first
// matching rule wins:
//
//  1. markup candidate at or above the threshold (source markup)
//  2. OCR candidate at or above the threshold (source ocr)
//  3. any markup candidate (source markup-fallback, warning)
//  4. any OCR candidate (source ocr-fallback, warning)
//  5. nothing (source none; error for required fields, warning otherwise)
//
// Either input may be nil.
func Merge(markup, ocr *product.ExtractionResult, policy Policy) product.MergedRecord {
	threshold := policy.threshold()
	var rec product.MergedRecord
	r := &resolver{threshold: threshold, rec: &rec}

	for _, f := range []product.Field{product.FieldProductName, product.FieldDescription, product.FieldArticleNumber} {
		c, src := resolveCandidate(textCandidate(markup, f), textCandidate(ocr, f), threshold)
		if c == nil {
			r.record(f, product.SourceNone, 0)
			continue
		}
		r.setText(f, c.Value)
		r.record(f, src, c.Confidence)
	}

	r.resolvePrice(markup, ocr)
	r.resolveTiers(markup, ocr)

	return rec
}

type resolver struct {
	threshold float64
	rec       *product.MergedRecord
	onRequest bool
}

func (r *resolver) record(f product.Field, src product.Source, confidence float64) {
	r.rec.Sources.Set(f, src)
	r.rec.Confidence.Set(f, confidence)
	switch src {
	case product.SourceMarkupFallback, product.SourceOCRFallback:
		r.warn(fmt.Sprintf("%s: using %s value below threshold %.2f (confidence %.2f)", f, src, r.threshold, confidence))
	case product.SourceNone:
		msg := fmt.Sprintf("%s: no candidate from markup or ocr", f)
		if f.Required() {
			r.rec.Errors = append(r.rec.Errors, msg)
		} else {
			r.warn(msg)
		}
	}
}

func (r *resolver) setText(f product.Field, v string) {
	switch f {
	case product.FieldProductName:
		r.rec.ProductName = v
	case product.FieldDescription:
		r.rec.Description = v
	case product.FieldArticleNumber:
		r.rec.ArticleNumber = v
	}
}

func (r *resolver) warn(msg string) {
	r.rec.Warnings = append(r.rec.Warnings, msg)
}

// pricedCandidate is a price candidate after numeric normalization.
type pricedCandidate struct {
	amount pricing.Amount
}

func (r *resolver) resolvePrice(markup, ocr *product.ExtractionResult) {
	m := r.normalizePrice(priceOf(markup), product.SourceMarkup)
	o := r.normalizePrice(priceOf(ocr), product.SourceOCR)
	c, src := resolveCandidate(m, o, r.threshold)
	if c == nil {
		r.rec.PriceOnRequest = r.onRequest
		r.record(product.FieldPrice, product.SourceNone, 0)
		return
	}
	value := c.Value.amount.Value
	r.rec.Price = &value
	r.rec.Currency = c.Value.amount.Currency
	r.record(product.FieldPrice, src, c.Confidence)
}

// normalizePrice parses a raw price candidate. Unparseable values are dropped
// so they never shadow a usable candidate from the other source.
func (r *resolver) normalizePrice(c *product.FieldCandidate[string], origin product.Source) *product.FieldCandidate[pricedCandidate] {
	if c == nil {
		return nil
	}
	if pricing.IsOnRequest(c.Value) {
		r.onRequest = true
		r.warn(fmt.Sprintf("price: %s reports price on request", origin))
		return nil
	}
	amount, err := pricing.ParsePrice(c.Value)
	if err != nil {
		r.warn(fmt.Sprintf("price: discarded %s value %q: not a number", origin, c.Value))
		return nil
	}
	return &product.FieldCandidate[pricedCandidate]{
		Value:      pricedCandidate{amount: amount},
		Source:     origin,
		Confidence: c.Confidence,
	}
}

func (r *resolver) resolveTiers(markup, ocr *product.ExtractionResult) {
	m := r.normalizeTiers(tiersOf(markup), product.SourceMarkup)
	o := r.normalizeTiers(tiersOf(ocr), product.SourceOCR)
	c, src := resolveCandidate(m, o, r.threshold)
	if c == nil {
		r.record(product.FieldTieredPrices, product.SourceNone, 0)
		return
	}
	r.rec.TieredPrices = append([]product.TieredPrice(nil), c.Value...)
	r.record(product.FieldTieredPrices, src, c.Confidence)
}

// normalizeTiers keeps the tiers whose price parses; a candidate left empty
// counts as absent.
func (r *resolver) normalizeTiers(c *product.FieldCandidate[[]product.TieredPrice], origin product.Source) *product.FieldCandidate[[]product.TieredPrice] {
	if c == nil {
		return nil
	}
	kept := make([]product.TieredPrice, 0, len(c.Value))
	for _, tier := range c.Value {
		if _, err := pricing.ParsePrice(tier.Price); err != nil {
			r.warn(fmt.Sprintf("tieredPrices: discarded %s tier %q: not a number", origin, tier.Quantity))
			continue
		}
		kept = append(kept, tier)
	}
	if len(kept) == 0 {
		return nil
	}
	return &product.FieldCandidate[[]product.TieredPrice]{
		Value:      kept,
		Source:     origin,
		Confidence: c.Confidence,
	}
}

// resolveCandidate applies the five-step rule to one field.
func resolveCandidate[T any](markup, ocr *product.FieldCandidate[T], threshold float64) (*product.FieldCandidate[T], product.Source) {
	switch {
	case markup != nil && markup.Confidence >= threshold:
		return markup, product.SourceMarkup
	case ocr != nil && ocr.Confidence >= threshold:
		return ocr, product.SourceOCR
	case markup != nil:
		return markup, product.SourceMarkupFallback
	case ocr != nil:
		return ocr, product.SourceOCRFallback
	default:
		return nil, product.SourceNone
	}
}

func textCandidate(r *product.ExtractionResult, f product.Field) *product.FieldCandidate[string] {
	if r == nil {
		return nil
	}
	switch f {
	case product.FieldProductName:
		return r.ProductName
	case product.FieldDescription:
		return r.Description
	case product.FieldArticleNumber:
		return r.ArticleNumber
	}
	return nil
}

func priceOf(r *product.ExtractionResult) *product.FieldCandidate[string] {
	if r == nil {
		return nil
	}
	return r.Price
}

func tiersOf(r *product.ExtractionResult) *product.FieldCandidate[[]product.TieredPrice] {
	if r == nil {
		return nil
	}
	return r.TieredPrices
}
