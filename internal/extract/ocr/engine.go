// Package ocr reads product candidates out of a page screenshot through an
// external text recognition service.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// DefaultEndpoint is the recognition service inside the deployment network.
const DefaultEndpoint = "http://tesseract-service:5000/ocr"

// Recognition is the raw output of one OCR pass.
type Recognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Engine turns an image into text.
type Engine interface {
	Recognize(ctx context.Context, image []byte) (Recognition, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, image []byte) (Recognition, error)

// Recognize calls f.
func (f EngineFunc) Recognize(ctx context.Context, image []byte) (Recognition, error) {
	return f(ctx, image)
}

// HTTPEngine posts screenshots to a recognition service as multipart form
// uploads and decodes a {"text","confidence"} response.
type HTTPEngine struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEngine builds an engine for endpoint. A nil client gets one with
// the given timeout.
func NewHTTPEngine(endpoint string, timeout time.Duration, client *http.Client) *HTTPEngine {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPEngine{endpoint: endpoint, client: client}
}

// Recognize uploads image and returns the recognized text. Confidence values
// reported on a 0-100 scale are normalized to [0,1].
func (e *HTTPEngine) Recognize(ctx context.Context, image []byte) (Recognition, error) {
	if len(image) == 0 {
		return Recognition{}, errors.New("empty image")
	}
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("image", "screenshot.png")
	if err != nil {
		return Recognition{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return Recognition{}, fmt.Errorf("write image: %w", err)
	}
	if err := form.Close(); err != nil {
		return Recognition{}, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return Recognition{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return Recognition{}, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Recognition{}, fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out Recognition
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Recognition{}, fmt.Errorf("decode ocr response: %w", err)
	}
	if out.Confidence > 1 {
		out.Confidence /= 100
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	return out, nil
}
