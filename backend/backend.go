// CLAUDE:SUMMARY HTTP JSON client for the generator backend: analyze (plan), generate (copy), ocr (detections), with pdp- trace ids.
// Package backend talks to the generator service that proposes plans,
// rewrites product copy and reads screenshots.
//
// Every request carries a fresh trace id in the body (trace_id) and in the
// x-trace-id header. A JSON body of the form {"error": "..."} is an error
// even with a 2xx status, since the service streams its answer after
// committing the status line.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/pdpatch/idgen"
	"github.com/hazyhaar/pdpatch/plan"
)

// Endpoint paths, relative to the base URL.
const (
	PathAnalyze  = "/api/analyze"
	PathGenerate = "/api/generate"
	PathOCR      = "/api/ocr"
)

const maxResponseBytes = 8 << 20

// ErrInvalidPlan is returned when a plan document does not honor the plan
// contract (is_pdp must be a boolean).
var ErrInvalidPlan = errors.New("backend: invalid plan schema")

// Client calls the generator backend.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	TraceID idgen.Generator
	Logger  *slog.Logger
	// Breaker, when set, short-circuits calls after repeated failures.
	Breaker *Breaker
}

// New returns a client for baseURL. timeout bounds each call; zero means
// the caller's context is the only limit.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		TraceID: idgen.TraceID,
		Logger:  slog.Default(),
	}
}

type analyzeRequest struct {
	*plan.Payload
	TraceID string `json:"trace_id"`
}

// Analyze asks the backend for a plan and returns the raw plan document.
// The document is only checked for a boolean is_pdp; callers validate the
// rest.
func (c *Client) Analyze(ctx context.Context, p *plan.Payload) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.post(ctx, PathAnalyze, func(id string) any {
		return analyzeRequest{Payload: p, TraceID: id}
	}, &raw); err != nil {
		return nil, err
	}
	var head struct {
		IsPDP *bool `json:"is_pdp"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.IsPDP == nil {
		return nil, ErrInvalidPlan
	}
	return raw, nil
}

// GenerateRequest is the source copy to rewrite.
type GenerateRequest struct {
	URL         string `json:"url"`
	Language    string `json:"language"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Shipping    string `json:"shipping"`
	Returns     string `json:"returns"`
	TraceID     string `json:"trace_id"`
}

// Copy is rewritten product copy. Description, Shipping and Returns are
// minimal HTML.
type Copy struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Shipping    string `json:"shipping"`
	Returns     string `json:"returns"`
}

// Get returns the value for a field key.
func (c Copy) Get(key string) string {
	switch key {
	case plan.FieldTitle:
		return c.Title
	case plan.FieldDescription:
		return c.Description
	case plan.FieldShipping:
		return c.Shipping
	case plan.FieldReturns:
		return c.Returns
	}
	return ""
}

// Generate rewrites product copy.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Copy, error) {
	var out Copy
	if err := c.post(ctx, PathGenerate, func(id string) any {
		req.TraceID = id
		return req
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OCRRequest carries a full-page screenshot and its geometry.
type OCRRequest struct {
	URL              string  `json:"url"`
	Language         string  `json:"language"`
	ImageDataURL     string  `json:"image_data_url"`
	ImagePixelWidth  int     `json:"image_pixel_width"`
	ImagePixelHeight int     `json:"image_pixel_height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
	PageWidthCSS     float64 `json:"page_width_css"`
	PageHeightCSS    float64 `json:"page_height_css"`
	TraceID          string  `json:"trace_id"`
}

// BBox is a rectangle in screenshot pixels.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one content region found on a screenshot.
type Detection struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	BBox      BBox   `json:"bbox"`
	Extracted string `json:"extracted"`
	Proposed  string `json:"proposed"`
}

// Key identifies the detection, falling back to its type and position.
func (d Detection) Key() string {
	if d.ID != "" {
		return d.ID
	}
	return fmt.Sprintf("%s:%g,%g", d.Type, d.BBox.X, d.BBox.Y)
}

// OCR sends a screenshot and returns the detections.
func (c *Client) OCR(ctx context.Context, req OCRRequest) ([]Detection, error) {
	var out struct {
		Detections *[]Detection `json:"detections"`
	}
	if err := c.post(ctx, PathOCR, func(id string) any {
		req.TraceID = id
		return req
	}, &out); err != nil {
		return nil, err
	}
	if out.Detections == nil {
		return nil, fmt.Errorf("backend: %s: invalid response: no detections", PathOCR)
	}
	return *out.Detections, nil
}

// post sends the body built for a fresh trace id and decodes the response
// into out.
func (c *Client) post(ctx context.Context, path string, body func(traceID string) any, out any) error {
	traceID := c.TraceID()
	buf, err := json.Marshal(body(traceID))
	if err != nil {
		return fmt.Errorf("backend: %s: encode: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("backend: %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-trace-id", traceID)

	if c.Breaker != nil && !c.Breaker.allow() {
		return fmt.Errorf("backend: %s: %w", path, ErrUnavailable)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			c.Breaker.release()
		} else {
			c.record(false)
		}
		return fmt.Errorf("backend: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.record(false)
		return fmt.Errorf("backend: %s: read: %w", path, err)
	}
	c.record(resp.StatusCode < 500)
	c.logger().Debug("backend: call", "path", path, "trace_id", traceID,
		"status", resp.StatusCode, "bytes", len(data), "took", time.Since(start))

	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error != "" {
		return fmt.Errorf("backend: %s: %s (trace %s)", path, envelope.Error, traceID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend: %s: status %d: %s (trace %s)", path, resp.StatusCode, snippet(data), traceID)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend: %s: non-JSON response: %w", path, err)
	}
	return nil
}

func (c *Client) record(ok bool) {
	if c.Breaker == nil {
		return
	}
	if ok {
		c.Breaker.success()
	} else {
		c.Breaker.failure()
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "no body"
	}
	return s
}
