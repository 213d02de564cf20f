package product

import "time"

// Field names one extractable product attribute.
type Field string

// Extractable fields, in resolution order.
const (
	FieldProductName   Field = "productName"
	FieldDescription   Field = "description"
	FieldArticleNumber Field = "articleNumber"
	FieldPrice         Field = "price"
	FieldTieredPrices  Field = "tieredPrices"
)

// Fields lists every extractable field in a fixed order.
var Fields = []Field{
	FieldProductName,
	FieldDescription,
	FieldArticleNumber,
	FieldPrice,
	FieldTieredPrices,
}

// Required reports whether a record is unusable without the field.
func (f Field) Required() bool {
	return f == FieldProductName || f == FieldArticleNumber
}

// Source tags where a candidate or a merged value came from.
type Source string

// Candidate origins and merge provenance tags.
const (
	SourceMarkup         Source = "markup"
	SourceOCR            Source = "ocr"
	SourceMarkupFallback Source = "markup-fallback"
	SourceOCRFallback    Source = "ocr-fallback"
	SourceNone           Source = "none"
)

// PerField holds one value of T for each extractable field.
type PerField[T any] struct {
	ProductName   T `json:"productName"`
	Description   T `json:"description"`
	ArticleNumber T `json:"articleNumber"`
	Price         T `json:"price"`
	TieredPrices  T `json:"tieredPrices"`
}

// Get returns the value stored for f.
func (p PerField[T]) Get(f Field) T {
	switch f {
	case FieldProductName:
		return p.ProductName
	case FieldDescription:
		return p.Description
	case FieldArticleNumber:
		return p.ArticleNumber
	case FieldPrice:
		return p.Price
	case FieldTieredPrices:
		return p.TieredPrices
	}
	var zero T
	return zero
}

// Set stores v for f. Unknown fields are ignored.
func (p *PerField[T]) Set(f Field, v T) {
	switch f {
	case FieldProductName:
		p.ProductName = v
	case FieldDescription:
		p.Description = v
	case FieldArticleNumber:
		p.ArticleNumber = v
	case FieldPrice:
		p.Price = v
	case FieldTieredPrices:
		p.TieredPrices = v
	}
}

// Confidence is a per-field confidence vector in [0,1].
type Confidence = PerField[float64]

// FieldSources records the provenance of each merged field.
type FieldSources = PerField[Source]

// TieredPrice is one quantity break, e.g. {"Ab 7", "190,92 €"}.
type TieredPrice struct {
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

// FieldCandidate is one proposed value for a field.
type FieldCandidate[T any] struct {
	Value      T       `json:"value"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult carries the candidates one extractor produced for a page.
// Prices stay as raw text here; the merge engine normalizes them.
type ExtractionResult struct {
	Source        Source                         `json:"source"`
	ProductName   *FieldCandidate[string]        `json:"productName,omitempty"`
	Description   *FieldCandidate[string]        `json:"description,omitempty"`
	ArticleNumber *FieldCandidate[string]        `json:"articleNumber,omitempty"`
	Price         *FieldCandidate[string]        `json:"price,omitempty"`
	TieredPrices  *FieldCandidate[[]TieredPrice] `json:"tieredPrices,omitempty"`
	Confidence    Confidence                     `json:"confidence"`

	// AllRequiredPresent is only meaningful for markup results.
	AllRequiredPresent bool `json:"allRequiredPresent"`
	// RawText and OverallConfidence are only set by the OCR extractor.
	RawText           string  `json:"rawText,omitempty"`
	OverallConfidence float64 `json:"overallConfidence,omitempty"`
}

// Has reports whether the result carries a candidate for f.
func (r *ExtractionResult) Has(f Field) bool {
	if r == nil {
		return false
	}
	switch f {
	case FieldProductName:
		return r.ProductName != nil
	case FieldDescription:
		return r.Description != nil
	case FieldArticleNumber:
		return r.ArticleNumber != nil
	case FieldPrice:
		return r.Price != nil
	case FieldTieredPrices:
		return r.TieredPrices != nil
	}
	return false
}

// RefreshSummary recomputes the confidence vector and required flag from the
// candidates currently set.
func (r *ExtractionResult) RefreshSummary() {
	r.Confidence = Confidence{}
	if r.ProductName != nil {
		r.Confidence.ProductName = r.ProductName.Confidence
	}
	if r.Description != nil {
		r.Confidence.Description = r.Description.Confidence
	}
	if r.ArticleNumber != nil {
		r.Confidence.ArticleNumber = r.ArticleNumber.Confidence
	}
	if r.Price != nil {
		r.Confidence.Price = r.Price.Confidence
	}
	if r.TieredPrices != nil {
		r.Confidence.TieredPrices = r.TieredPrices.Confidence
	}
	r.AllRequiredPresent = r.ProductName != nil && r.ArticleNumber != nil
}

// MergedRecord is the final product record for a job.
type MergedRecord struct {
	ProductName    string        `json:"productName,omitempty"`
	Description    string        `json:"description,omitempty"`
	ArticleNumber  string        `json:"articleNumber,omitempty"`
	Price          *float64      `json:"price,omitempty"`
	Currency       string        `json:"currency,omitempty"`
	PriceOnRequest bool          `json:"priceOnRequest,omitempty"`
	TieredPrices   []TieredPrice `json:"tieredPrices,omitempty"`
	Confidence     Confidence    `json:"confidence"`
	Sources        FieldSources  `json:"sources"`
	Errors         []string      `json:"errors,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// Usable reports whether every required field was resolved.
func (r MergedRecord) Usable() bool {
	for _, f := range Fields {
		if !f.Required() {
			continue
		}
		if src := r.Sources.Get(f); src == SourceNone || src == "" {
			return false
		}
	}
	return true
}

// Capture is the output of the capture stage.
type Capture struct {
	RequestURL string
	FinalURL   string
	StatusCode int
	HTML       string
	Screenshot []byte
	Duration   time.Duration
}
