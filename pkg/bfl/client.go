// Package bfl wraps the Black Forest Labs Flux Kontext image-generation API.
package bfl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.bfl.ai/v1/flux-kontext-max"

// Client calls the Flux Kontext API. It carries no retry logic; the
// generation pipeline owns the poll loop and its bounds.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient constructs a client with the provided API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("bfl api key required")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// GenerationRequest describes one submission. ReferenceImages maps extra
// payload field names to image URLs; upstream support for more than the
// primary input image is unverified, so entries beyond InputImage are
// best-effort only.
type GenerationRequest struct {
	Prompt           string            `json:"prompt"`
	InputImage       string            `json:"input_image"`
	ReferenceImages  map[string]string `json:"reference_images,omitempty"`
	Seed             int               `json:"seed"`
	AspectRatio      string            `json:"aspect_ratio"`
	OutputFormat     string            `json:"output_format"`
	PromptUpsampling bool              `json:"prompt_upsampling"`
	SafetyTolerance  int               `json:"safety_tolerance"`
}

func (r GenerationRequest) payload() map[string]any {
	p := map[string]any{
		"prompt":            r.Prompt,
		"input_image":       r.InputImage,
		"seed":              r.Seed,
		"aspect_ratio":      r.AspectRatio,
		"output_format":     r.OutputFormat,
		"prompt_upsampling": r.PromptUpsampling,
		"safety_tolerance":  r.SafetyTolerance,
	}
	for field, url := range r.ReferenceImages {
		if field == "" || url == "" {
			continue
		}
		p[field] = url
	}
	return p
}

// SubmitResult is the accepted outcome of Submit: either an immediate
// result URL or an async task with a poll location.
type SubmitResult struct {
	TaskID    string
	PollURL   string
	ResultURL string
}

// Immediate reports whether the API answered with a direct result URL.
func (s SubmitResult) Immediate() bool { return s.ResultURL != "" }

// APIError is a rejection from the API (non-2xx on submit).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bfl api error: status %d: %s", e.StatusCode, e.Body)
}

// Submit sends a generation request. A rejection surfaces as *APIError.
func (c *Client) Submit(ctx context.Context, req GenerationRequest) (SubmitResult, error) {
	body, err := json.Marshal(req.payload())
	if err != nil {
		return SubmitResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	httpReq.Header.Set("x-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SubmitResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SubmitResult{}, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return SubmitResult{}, fmt.Errorf("decode submit response: %w", err)
	}
	switch {
	case sr.URL != "":
		return SubmitResult{ResultURL: sr.URL}, nil
	case sr.ID != "" && sr.PollingURL != "":
		return SubmitResult{TaskID: sr.ID, PollURL: sr.PollingURL}, nil
	case sr.ID != "":
		return SubmitResult{}, fmt.Errorf("submit response missing polling url for task %s", sr.ID)
	default:
		return SubmitResult{}, fmt.Errorf("unrecognized submit response")
	}
}

// PollState classifies one poll response.
type PollState int

const (
	PollPending PollState = iota
	PollReady
	PollFailed
)

// PollResult is the outcome of one poll. ResultURL is set when State is
// PollReady.
type PollResult struct {
	State     PollState
	ResultURL string
}

// Poll checks a task's poll location once. A 404 means the task expired
// and is terminal; other transport or server errors return an error so
// the caller can keep polling.
func (c *Client) Poll(ctx context.Context, pollURL string) (PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return PollResult{}, err
	}
	httpReq.Header.Set("x-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PollResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return PollResult{State: PollFailed}, nil
	}
	if resp.StatusCode >= 400 {
		return PollResult{}, fmt.Errorf("poll status %d", resp.StatusCode)
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return PollResult{}, fmt.Errorf("decode poll response: %w", err)
	}
	switch strings.ToLower(pr.Status) {
	case "ready", "completed":
		if url := pr.resultURL(); url != "" {
			return PollResult{State: PollReady, ResultURL: url}, nil
		}
		// Terminal success without a result URL has nothing to download.
		return PollResult{State: PollFailed}, nil
	case "failed":
		return PollResult{State: PollFailed}, nil
	case "":
		// Legacy shape: no status field, direct result URL when done.
		if url := pr.resultURL(); url != "" {
			return PollResult{State: PollReady, ResultURL: url}, nil
		}
		return PollResult{State: PollPending}, nil
	default:
		return PollResult{State: PollPending}, nil
	}
}

// Download fetches result bytes. Any non-2xx response is terminal for
// the job; the caller does not retry.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read result body: %w", err)
	}
	return data, nil
}

type submitResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
	URL        string `json:"url"`
}

type pollResponse struct {
	Status string `json:"status"`
	Result struct {
		Sample string `json:"sample"`
	} `json:"result"`
	Sample string `json:"sample"`
	URL    string `json:"url"`
}

func (p pollResponse) resultURL() string {
	if p.Result.Sample != "" {
		return p.Result.Sample
	}
	if p.Sample != "" {
		return p.Sample
	}
	return p.URL
}
