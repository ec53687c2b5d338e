// Package providers forwards requests to the upstream completion API.
package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// ErrUpstream wraps transport failures talking to the upstream. A response
// with a non-2xx status is not an error.
var ErrUpstream = errors.New("upstream request failed")

// Response is an upstream reply. Body is the raw upstream body and must be
// closed by the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Latency    time.Duration
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Provider is implemented by the upstream completion API client
type Provider interface {
	// Name returns the provider type, e.g. "openai"
	Name() string

	// ChatCompletions posts body as-is to the chat completions endpoint
	ChatCompletions(ctx context.Context, body []byte, stream bool) (*Response, error)

	// Close releases idle connections
	Close() error
}
