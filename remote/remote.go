// Package remote talks to the trace ingestion and classification backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/trace"
)

// ErrInvalidResponse is returned when the backend answers 2xx with a body
// that does not follow the contract.
var ErrInvalidResponse = errors.New("invalid backend response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Summary describes an ingested trace.
type Summary struct {
	Min     uint64 `json:"min"`
	Max     uint64 `json:"max"`
	Range   uint64 `json:"range"`
	Samples int    `json:"samples"`
}

// IngestResult is the backend's answer to an ingested trace.
type IngestResult struct {
	Status string `json:"status"`
	File   string `json:"file"`

	// Image is the path of the rendered heatmap.
	Image   string  `json:"image"`
	Summary Summary `json:"summary"`
}

// Prediction is the classifier's answer for one trace.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Ingester accepts traces.
type Ingester interface {
	Ingest(ctx context.Context, t trace.Trace) (IngestResult, error)
}

// Classifier labels traces.
type Classifier interface {
	Classify(ctx context.Context, t trace.Trace) (Prediction, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout bounds every request. The client given to WithHTTPClient is
// copied, never changed.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = &d
	}
}

// WithImagePrefix sets the path prefix of rendered heatmaps.
func WithImagePrefix(prefix string) Option {
	return func(c *Client) {
		c.imagePrefix = strings.TrimSuffix(prefix, "/")
	}
}

// Client is an HTTP client for the backend. It implements Ingester and
// Classifier.
type Client struct {
	base        string
	http        *http.Client
	timeout     *time.Duration
	imagePrefix string
}

// NewClient creates a client for the backend at base.
func NewClient(base string, opts ...Option) *Client {
	c := &Client{
		base:        strings.TrimSuffix(base, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		imagePrefix: "/static/heatmaps",
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.timeout != nil {
		hc := *c.http
		hc.Timeout = *c.timeout
		c.http = &hc
	}

	return c
}

// Base returns the backend address.
func (c *Client) Base() string {
	return c.base
}

// Timeout returns the bound on each request. Zero means none.
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

type traceRequest struct {
	Trace trace.Trace `json:"trace"`
}

type ingestResponse struct {
	Status  string `json:"status"`
	File    string `json:"file"`
	Min     uint64 `json:"min"`
	Max     uint64 `json:"max"`
	Range   uint64 `json:"range"`
	Samples int    `json:"samples"`
}

// Ingest uploads one trace.
func (c *Client) Ingest(ctx context.Context, t trace.Trace) (IngestResult, error) {
	var resp ingestResponse
	if err := c.do(ctx, http.MethodPost, "/traces", traceRequest{Trace: t}, &resp); err != nil {
		return IngestResult{}, err
	}

	if resp.File == "" {
		return IngestResult{}, fmt.Errorf("ingest response has no file: %w", ErrInvalidResponse)
	}

	klog.V(2).InfoS("Trace ingested", "file", resp.File, "samples", resp.Samples)

	return IngestResult{
		Status: resp.Status,
		File:   resp.File,
		Image:  c.imagePrefix + "/" + resp.File,
		Summary: Summary{
			Min:     resp.Min,
			Max:     resp.Max,
			Range:   resp.Range,
			Samples: resp.Samples,
		},
	}, nil
}

type predictResponse struct {
	Website    string   `json:"predicted_website"`
	Label      string   `json:"predicted_label"`
	Confidence *float64 `json:"confidence"`
}

// Classify asks the backend which site produced t.
func (c *Client) Classify(ctx context.Context, t trace.Trace) (Prediction, error) {
	var resp predictResponse
	if err := c.do(ctx, http.MethodPost, "/predict", traceRequest{Trace: t}, &resp); err != nil {
		return Prediction{}, err
	}

	label := resp.Website
	if label == "" {
		label = resp.Label
	}
	if label == "" {
		return Prediction{}, fmt.Errorf("prediction has no label: %w", ErrInvalidResponse)
	}

	if resp.Confidence == nil {
		return Prediction{}, fmt.Errorf("prediction has no confidence: %w", ErrInvalidResponse)
	}
	conf := *resp.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return Prediction{}, fmt.Errorf("confidence %v outside [0, 1]: %w", conf, ErrInvalidResponse)
	}

	return Prediction{Label: label, Confidence: conf}, nil
}

type tracesResponse struct {
	Traces []trace.Trace `json:"traces"`
}

// Traces lists the traces the backend holds.
func (c *Client) Traces(ctx context.Context) ([]trace.Trace, error) {
	var resp tracesResponse
	if err := c.do(ctx, http.MethodGet, "/api/get_results", nil, &resp); err != nil {
		return nil, err
	}

	for i, t := range resp.Traces {
		if t == nil {
			return nil, fmt.Errorf("trace %d is null: %w", i, ErrInvalidResponse)
		}
	}

	return resp.Traces, nil
}

// Clear drops every trace the backend holds.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/clear_results", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %v: %w", path, err, ErrInvalidResponse)
	}

	return nil
}
