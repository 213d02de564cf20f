package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-capture/internal/product"
)

func text(v string, src product.Source, conf float64) *product.FieldCandidate[string] {
	return &product.FieldCandidate[string]{Value: v, Source: src, Confidence: conf}
}

func tiers(src product.Source, conf float64, values ...product.TieredPrice) *product.FieldCandidate[[]product.TieredPrice] {
	return &product.FieldCandidate[[]product.TieredPrice]{Value: values, Source: src, Confidence: conf}
}

func fullMarkup(conf float64) *product.ExtractionResult {
	r := &product.ExtractionResult{
		Source:        product.SourceMarkup,
		ProductName:   text("Akku-Bohrschrauber 18V", product.SourceMarkup, conf),
		Description:   text("Kompakter Bohrschrauber", product.SourceMarkup, conf),
		ArticleNumber: text("BS-18-2000", product.SourceMarkup, conf),
		Price:         text("210,00 €", product.SourceMarkup, conf),
		TieredPrices:  tiers(product.SourceMarkup, conf, product.TieredPrice{Quantity: "Ab 7", Price: "190,92 €"}),
	}
	r.RefreshSummary()
	return r
}

func fullOCR(conf float64) *product.ExtractionResult {
	r := &product.ExtractionResult{
		Source:        product.SourceOCR,
		ProductName:   text("Akku Bohrschrauber", product.SourceOCR, conf),
		Description:   text("Bohrschrauber", product.SourceOCR, conf),
		ArticleNumber: text("BS-18-2OOO", product.SourceOCR, conf),
		Price:         text("209,00 EUR", product.SourceOCR, conf),
		TieredPrices:  tiers(product.SourceOCR, conf, product.TieredPrice{Quantity: "Ab 10", Price: "180,00 €"}),
	}
	r.RefreshSummary()
	return r
}

func TestMergeMarkupWinsAtThreshold(t *testing.T) {
	t.Parallel()

	rec := Merge(fullMarkup(0.9), fullOCR(0.99), Policy{AcceptanceThreshold: 0.7})

	for _, f := range product.Fields {
		require.Equal(t, product.SourceMarkup, rec.Sources.Get(f), f)
		require.InDelta(t, 0.9, rec.Confidence.Get(f), 1e-9, f)
	}
	require.Equal(t, "BS-18-2000", rec.ArticleNumber)
	require.NotNil(t, rec.Price)
	require.InDelta(t, 210.0, *rec.Price, 1e-9)
	require.Equal(t, "EUR", rec.Currency)
	require.Empty(t, rec.Errors)
	require.Empty(t, rec.Warnings)
	require.True(t, rec.Usable())
}

func TestMergeOCRWinsWhenMarkupBelowThreshold(t *testing.T) {
	t.Parallel()

	rec := Merge(fullMarkup(0.5), fullOCR(0.8), Policy{AcceptanceThreshold: 0.7})

	require.Equal(t, product.SourceOCR, rec.Sources.ProductName)
	require.Equal(t, "Akku Bohrschrauber", rec.ProductName)
	require.InDelta(t, 0.8, rec.Confidence.ProductName, 1e-9)
	require.Equal(t, []product.TieredPrice{{Quantity: "Ab 10", Price: "180,00 €"}}, rec.TieredPrices)
}

func TestMergeFallbacks(t *testing.T) {
	t.Parallel()

	markup := &product.ExtractionResult{
		ProductName: text("Name", product.SourceMarkup, 0.4),
	}
	ocr := &product.ExtractionResult{
		ProductName:   text("OCR Name", product.SourceOCR, 0.3),
		ArticleNumber: text("A-1", product.SourceOCR, 0.2),
	}

	rec := Merge(markup, ocr, Policy{AcceptanceThreshold: 0.7})

	require.Equal(t, product.SourceMarkupFallback, rec.Sources.ProductName)
	require.Equal(t, "Name", rec.ProductName)
	require.InDelta(t, 0.4, rec.Confidence.ProductName, 1e-9)
	require.Equal(t, product.SourceOCRFallback, rec.Sources.ArticleNumber)
	require.Equal(t, product.SourceNone, rec.Sources.Description)
	require.Equal(t, product.SourceNone, rec.Sources.Price)
	require.Empty(t, rec.Errors)
	require.Len(t, rec.Warnings, 5)
	require.True(t, rec.Usable())
}

func TestMergeMissingRequiredFieldsAreErrors(t *testing.T) {
	t.Parallel()

	rec := Merge(nil, &product.ExtractionResult{
		Description: text("only a description", product.SourceOCR, 0.9),
	}, Policy{})

	require.Len(t, rec.Errors, 2)
	require.Contains(t, rec.Errors[0], "productName")
	require.Contains(t, rec.Errors[1], "articleNumber")
	require.Equal(t, product.SourceOCR, rec.Sources.Description)
	require.False(t, rec.Usable())
}

func TestMergeBothNil(t *testing.T) {
	t.Parallel()

	rec := Merge(nil, nil, Policy{})
	for _, f := range product.Fields {
		require.Equal(t, product.SourceNone, rec.Sources.Get(f))
		require.Zero(t, rec.Confidence.Get(f))
	}
	require.Len(t, rec.Errors, 2)
	require.Len(t, rec.Warnings, 3)
}

func TestMergeUnparseablePriceDemotedToAbsent(t *testing.T) {
	t.Parallel()

	markup := &product.ExtractionResult{Price: text("call us", product.SourceMarkup, 0.95)}
	rec := Merge(markup, nil, Policy{})

	require.Nil(t, rec.Price)
	require.Equal(t, product.SourceNone, rec.Sources.Price)
	require.Zero(t, rec.Confidence.Price)
}

func TestMergeUnparseableMarkupPriceFallsThroughToOCR(t *testing.T) {
	t.Parallel()

	markup := &product.ExtractionResult{Price: text("see cart", product.SourceMarkup, 0.95)}
	ocr := &product.ExtractionResult{Price: text("1.234,50 €", product.SourceOCR, 0.75)}
	rec := Merge(markup, ocr, Policy{})

	require.Equal(t, product.SourceOCR, rec.Sources.Price)
	require.NotNil(t, rec.Price)
	require.InDelta(t, 1234.50, *rec.Price, 1e-9)
}

func TestMergePriceOnRequest(t *testing.T) {
	t.Parallel()

	rec := Merge(&product.ExtractionResult{Price: text("Preis auf Anfrage", product.SourceMarkup, 0.9)}, nil, Policy{})

	require.True(t, rec.PriceOnRequest)
	require.Nil(t, rec.Price)
	require.Equal(t, product.SourceNone, rec.Sources.Price)
}

func TestMergeDropsUnparseableTiers(t *testing.T) {
	t.Parallel()

	ocr := &product.ExtractionResult{TieredPrices: tiers(product.SourceOCR, 0.8,
		product.TieredPrice{Quantity: "Ab 1", Price: "n/a"},
		product.TieredPrice{Quantity: "Ab 7", Price: "190,92 €"},
	)}
	rec := Merge(nil, ocr, Policy{})

	require.Equal(t, []product.TieredPrice{{Quantity: "Ab 7", Price: "190,92 €"}}, rec.TieredPrices)
	require.Equal(t, product.SourceOCR, rec.Sources.TieredPrices)
}

func TestMergeDeterministic(t *testing.T) {
	t.Parallel()

	markup := fullMarkup(0.6)
	ocr := fullOCR(0.65)

	first, err := json.Marshal(Merge(markup, ocr, Policy{AcceptanceThreshold: 0.7}))
	require.NoError(t, err)
	second, err := json.Marshal(Merge(markup, ocr, Policy{AcceptanceThreshold: 0.7}))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMergeDoesNotAliasInputTiers(t *testing.T) {
	t.Parallel()

	markup := fullMarkup(0.9)
	rec := Merge(markup, nil, Policy{})
	rec.TieredPrices[0].Price = "changed"
	require.Equal(t, "190,92 €", markup.TieredPrices.Value[0].Price)
}
