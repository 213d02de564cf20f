// Package markup extracts product candidates from rendered HTML using
// structured data first and visible page elements second.
package markup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/extract"
	"github.com/JakeFAU/product-capture/internal/pricing"
	"github.com/JakeFAU/product-capture/internal/product"
)

// Confidence assigned per evidence kind.
const (
	confJSONLDName        = 0.95
	confJSONLDDescription = 0.9
	confJSONLDSKU         = 0.95
	confJSONLDMPN         = 0.9
	confJSONLDPrice       = 0.95
	confMicrodata         = 0.85
	confOGTitle           = 0.7
	confOGDescription     = 0.65
	confMetaPrice         = 0.8
	confMetaDescription   = 0.5
	confHeading           = 0.6
	confDescriptionBlock  = 0.5
	confPriceElement      = 0.55
	confLabelPair         = 0.8
	confLabelText         = 0.75
	confTiers             = 0.75
)

var (
	descriptionSelectors = []string{
		"[itemprop=description]",
		".product-description",
		"#product-description",
		".product-detail-description",
		"#description",
	}
	priceSelectors = []string{
		".product-price",
		".price--default",
		".product-detail-price",
		"[class*=price] .value",
		".price",
	}
	tierSelectors      = "[class*=staffel] tr, [class*=staffel] li, [class*=tier] tr, [class*=tier] li, [class*=scale] tr, [class*=block-price] tr, table tr"
	labelTextSelectors = "li, p, span, div.product-detail-ordernumber, .product-number, .sku"
)

// Extractor reads product data from page markup.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract parses html and returns the best candidates it can find. A page
// that cannot be parsed yields an extraction-error.
func (e *Extractor) Extract(ctx context.Context, html, pageURL string) (product.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return product.ExtractionResult{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return product.ExtractionResult{}, product.NewPipelineError(product.FailureExtraction, product.StageMarkup,
			fmt.Errorf("parse markup: %w", err))
	}

	c := extract.NewCollector(product.SourceMarkup)
	e.fromJSONLD(doc, c)
	fromMicrodata(doc, c)
	fromMeta(doc, c)
	fromElements(doc, c)
	fromLabels(doc, c)
	fromTiers(doc, c)

	res := c.Result()
	e.logger.Debug("markup extracted",
		zap.String("url", pageURL),
		zap.Bool("all_required", res.AllRequiredPresent),
		zap.Float64("name_confidence", res.Confidence.ProductName),
		zap.Float64("article_confidence", res.Confidence.ArticleNumber),
	)
	return res, nil
}

func (e *Extractor) fromJSONLD(doc *goquery.Document, c *extract.Collector) {
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			e.logger.Debug("skipping malformed json-ld", zap.Error(err))
			return
		}
		for _, node := range productNodes(payload) {
			c.OfferText(product.FieldProductName, stringField(node, "name"), confJSONLDName)
			c.OfferText(product.FieldDescription, stringField(node, "description"), confJSONLDDescription)
			c.OfferText(product.FieldArticleNumber, stringField(node, "sku"), confJSONLDSKU)
			c.OfferText(product.FieldArticleNumber, stringField(node, "mpn"), confJSONLDMPN)
			if price := offerPrice(node["offers"]); price != "" {
				c.OfferText(product.FieldPrice, price, confJSONLDPrice)
			}
		}
	})
}

// productNodes walks a JSON-LD payload and returns every object typed Product.
func productNodes(v any) []map[string]any {
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = append(out, productNodes(item)...)
		}
	case map[string]any:
		if hasType(t["@type"], "Product") {
			out = append(out, t)
		}
		if graph, ok := t["@graph"]; ok {
			out = append(out, productNodes(graph)...)
		}
	}
	return out
}

func hasType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if hasType(item, want) {
				return true
			}
		}
	}
	return false
}

func stringField(node map[string]any, key string) string {
	switch t := node[key].(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	}
	return ""
}

func offerPrice(v any) string {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if p := offerPrice(item); p != "" {
				return p
			}
		}
	case map[string]any:
		price := stringField(t, "price")
		if price == "" {
			price = stringField(t, "lowPrice")
		}
		if price == "" {
			return ""
		}
		currency := stringField(t, "priceCurrency")
		if currency == "" {
			currency = pricing.DefaultCurrency
		}
		return price + " " + currency
	}
	return ""
}

func fromMicrodata(doc *goquery.Document, c *extract.Collector) {
	scope := doc.Find(`[itemtype*="schema.org/Product"]`).First()
	if scope.Length() == 0 {
		return
	}
	prop := func(name string) string {
		sel := scope.Find(fmt.Sprintf("[itemprop=%q]", name)).First()
		if content, ok := sel.Attr("content"); ok {
			return content
		}
		return sel.Text()
	}
	c.OfferText(product.FieldProductName, prop("name"), confMicrodata)
	c.OfferText(product.FieldDescription, prop("description"), confMicrodata)
	c.OfferText(product.FieldArticleNumber, prop("sku"), confMicrodata)
	if price := prop("price"); price != "" {
		currency := prop("priceCurrency")
		if currency == "" {
			currency = pricing.DefaultCurrency
		}
		c.OfferText(product.FieldPrice, price+" "+currency, confMicrodata)
	}
}

func fromMeta(doc *goquery.Document, c *extract.Collector) {
	meta := func(selector string) string {
		v, _ := doc.Find(selector).First().Attr("content")
		return v
	}
	c.OfferText(product.FieldProductName, meta(`meta[property="og:title"]`), confOGTitle)
	c.OfferText(product.FieldDescription, meta(`meta[property="og:description"]`), confOGDescription)
	c.OfferText(product.FieldDescription, meta(`meta[name="description"]`), confMetaDescription)
	if amount := meta(`meta[property="product:price:amount"]`); amount != "" {
		currency := meta(`meta[property="product:price:currency"]`)
		if currency == "" {
			currency = pricing.DefaultCurrency
		}
		c.OfferText(product.FieldPrice, amount+" "+currency, confMetaPrice)
	}
}

func fromElements(doc *goquery.Document, c *extract.Collector) {
	c.OfferText(product.FieldProductName, doc.Find("h1").First().Text(), confHeading)
	for _, sel := range descriptionSelectors {
		if text := extract.CleanText(doc.Find(sel).First().Text()); text != "" {
			c.OfferText(product.FieldDescription, text, confDescriptionBlock)
			break
		}
	}
	for _, sel := range priceSelectors {
		text := extract.CleanText(doc.Find(sel).First().Text())
		if text == "" {
			continue
		}
		if _, err := pricing.ParsePrice(text); err == nil || pricing.IsOnRequest(text) {
			c.OfferText(product.FieldPrice, text, confPriceElement)
			break
		}
	}
}

// fromLabels looks for article numbers printed next to a label, either as a
// term/value pair or inline in a short text element.
func fromLabels(doc *goquery.Document, c *extract.Collector) {
	doc.Find("dt, th").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !extract.IsArticleNumberLabel(s.Text()) {
			return true
		}
		value := extract.CleanText(s.Next().Text())
		if value == "" || !strings.ContainsAny(value, "0123456789") {
			return true
		}
		c.OfferText(product.FieldArticleNumber, value, confLabelPair)
		return false
	})
	if c.Has(product.FieldArticleNumber) {
		return
	}
	doc.Find(labelTextSelectors).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := extract.CleanText(s.Text())
		if text == "" || len(text) > 200 {
			return true
		}
		if value, ok := extract.MatchArticleNumber(text); ok {
			c.OfferText(product.FieldArticleNumber, value, confLabelText)
			return false
		}
		return true
	})
}

func fromTiers(doc *goquery.Document, c *extract.Collector) {
	var lines []string
	seen := make(map[string]struct{})
	doc.Find(tierSelectors).Each(func(_ int, s *goquery.Selection) {
		line := rowText(s)
		if line == "" {
			return
		}
		if _, dup := seen[line]; dup {
			return
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	})
	tiers := dedupeTiers(pricing.ParseTierLines(lines))
	c.OfferTiers(tiers, confTiers)
}

// rowText joins table cells with spaces; Text alone would glue them.
func rowText(s *goquery.Selection) string {
	cells := s.ChildrenFiltered("td, th")
	if cells.Length() == 0 {
		return extract.CleanText(s.Text())
	}
	parts := make([]string, 0, cells.Length())
	cells.Each(func(_ int, cell *goquery.Selection) {
		if text := extract.CleanText(cell.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, " ")
}

func dedupeTiers(in []product.TieredPrice) []product.TieredPrice {
	seen := make(map[product.TieredPrice]struct{}, len(in))
	out := in[:0]
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
