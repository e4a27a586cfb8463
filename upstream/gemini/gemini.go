// Package gemini adapts the Google Generative Language API to the relay's
// upstream interface. The streaming call returns the raw framed body; frame
// reassembly belongs to the relay, this client only maps transport-level
// failures into the caller-visible taxonomy.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/simplifai/spiegami"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client calls the Gemini generateContent family of endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ spiegami.Upstream = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the given API key and model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gemini API types.
type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// GenerateStream opens one incremental generation call and returns the raw
// framed response body. The body honours cancellation of ctx.
func (c *Client) GenerateStream(ctx context.Context, req spiegami.UpstreamRequest) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, c.apiKey)

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     &req.Temperature,
			MaxOutputTokens: &req.MaxTokens,
		},
	}

	resp, err := c.doRequest(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type modelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the names of the models the upstream currently serves.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/models?key=%s", c.baseURL, c.apiKey)

	resp, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}

	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("spiegami/gemini: decode models response: %w", err)
	}
	names := make([]string, 0, len(mr.Models))
	for _, m := range mr.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) doRequest(ctx context.Context, method, url string, body *generateRequest) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("spiegami/gemini: marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("spiegami/gemini: create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &spiegami.RequestError{
			Err:     spiegami.ErrUpstreamUnavailable,
			Message: spiegami.ErrorMessage(spiegami.ErrUpstreamUnavailable),
		}
	}

	return resp, nil
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &spiegami.RequestError{Err: spiegami.ErrUpstreamRateLimited, Message: msg}
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return &spiegami.RequestError{Err: spiegami.ErrUpstreamRejected, Message: msg}
	default:
		return &spiegami.RequestError{Err: spiegami.ErrUpstreamUnavailable, Message: msg}
	}
}
