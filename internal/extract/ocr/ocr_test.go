package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/product"
)

const screenText = `Warenkorb (0)
Akku-Bohrschrauber BS 18
Kompakter Schrauber mit zwei Akkus
Artikelnummer: BS18-2000
199,90 €
ab 7 Stück: 190,92 EUR
Service-Hotline`

func TestParseDerivesFields(t *testing.T) {
	t.Parallel()

	res := Parse(Recognition{Text: screenText, Confidence: 0.9})
	require.Equal(t, product.SourceOCR, res.Source)
	require.Equal(t, "Akku-Bohrschrauber BS 18", res.ProductName.Value)
	require.InDelta(t, 0.72, res.Confidence.ProductName, 1e-9)
	require.Equal(t, "BS18-2000", res.ArticleNumber.Value)
	require.InDelta(t, 0.81, res.Confidence.ArticleNumber, 1e-9)
	require.Equal(t, "199,90 €", res.Price.Value)
	require.Equal(t, "Kompakter Schrauber mit zwei Akkus", res.Description.Value)
	require.Equal(t, []product.TieredPrice{{Quantity: "Ab 7", Price: "190,92 €"}}, res.TieredPrices.Value)
	require.Equal(t, screenText, res.RawText)
	require.InDelta(t, 0.9, res.OverallConfidence, 1e-9)
}

func TestParsePriceOnRequest(t *testing.T) {
	t.Parallel()

	res := Parse(Recognition{Text: "Sondermaschine XL 3000\nPreis: Auf Anfrage", Confidence: 1})
	require.Equal(t, "Preis: Auf Anfrage", res.Price.Value)
	require.Nil(t, res.ArticleNumber)
}

func TestParseEmptyText(t *testing.T) {
	t.Parallel()

	res := Parse(Recognition{Text: "  \n\n", Confidence: 0.5})
	require.Nil(t, res.ProductName)
	require.Nil(t, res.Price)
	require.Nil(t, res.TieredPrices)
	require.False(t, res.AllRequiredPresent)
}

func TestExtractReportsProgress(t *testing.T) {
	t.Parallel()

	engine := EngineFunc(func(context.Context, []byte) (Recognition, error) {
		return Recognition{Text: screenText, Confidence: 0.8}, nil
	})
	var steps []float64
	res, err := NewExtractor(engine, zap.NewNop()).Extract(context.Background(), []byte("png"), func(f float64) {
		steps = append(steps, f)
	})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0.8, 1}, steps)
	require.NotNil(t, res.ProductName)
}

func TestExtractEngineFailure(t *testing.T) {
	t.Parallel()

	engine := EngineFunc(func(context.Context, []byte) (Recognition, error) {
		return Recognition{}, errors.New("service down")
	})
	_, err := NewExtractor(engine, nil).Extract(context.Background(), []byte("png"), nil)
	code, stage := product.Classify(err)
	require.Equal(t, product.FailureExtraction, code)
	require.Equal(t, product.StageOCR, stage)
}

func TestExtractEngineCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	engine := EngineFunc(func(context.Context, []byte) (Recognition, error) {
		cancel()
		return Recognition{}, errors.New("aborted")
	})
	_, err := NewExtractor(engine, nil).Extract(ctx, []byte("png"), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHTTPEngineRecognize(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		file, _, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			return
		}
		data, err := io.ReadAll(file)
		assert.NoError(t, err)
		assert.Equal(t, []byte("fake-png"), data)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "Hallo", "confidence": 87})
	}))
	defer srv.Close()

	rec, err := NewHTTPEngine(srv.URL, time.Second, nil).Recognize(context.Background(), []byte("fake-png"))
	require.NoError(t, err)
	require.Equal(t, "Hallo", rec.Text)
	require.InDelta(t, 0.87, rec.Confidence, 1e-9)
}

func TestHTTPEngineErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL, time.Second, srv.Client())
	_, err := engine.Recognize(context.Background(), []byte("x"))
	require.ErrorContains(t, err, "502")

	_, err = engine.Recognize(context.Background(), nil)
	require.Error(t, err)
}
