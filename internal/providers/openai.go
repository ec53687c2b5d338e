package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"metered_gateway/internal/config"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIHeaderTimeout  = 60 * time.Second
)

// relayed upstream response headers
var passthroughHeaders = []string{
	"Content-Type",
	"Openai-Model",
	"Openai-Organization",
	"Openai-Processing-Ms",
	"X-Request-Id",
}

// OpenAIProvider talks to an OpenAI-compatible API with a single shared key
type OpenAIProvider struct {
	apiKey  string
	client  *http.Client
	baseURL string
}

// NewOpenAIProvider creates a provider from the upstream config. Timeout
// bounds the wait for response headers only, so long streams are not cut.
func NewOpenAIProvider(cfg config.UpstreamConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("upstream API key is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = openAIHeaderTimeout
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}

	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		client:  client,
		baseURL: baseURL,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// ChatCompletions forwards body unmodified
func (p *OpenAIProvider) ChatCompletions(ctx context.Context, body []byte, stream bool) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return p.do(req)
}

func (p *OpenAIProvider) do(req *http.Request) (*Response, error) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	header := make(http.Header, len(passthroughHeaders))
	for _, name := range passthroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
		Latency:    time.Since(start),
	}, nil
}

// ReadAll drains and closes a response body, capped at limit bytes
func ReadAll(resp *Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// Close cleans up resources
func (p *OpenAIProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
