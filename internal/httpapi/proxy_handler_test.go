package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/config"
	"metered_gateway/internal/providers"
	"metered_gateway/internal/utils"
)

const completionJSON = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`

var chatBody = map[string]any{
	"model":    "gpt-4o",
	"messages": []map[string]string{{"role": "user", "content": "hello"}},
}

var streamBody = map[string]any{
	"model":          "gpt-4o",
	"stream":         true,
	"stream_options": map[string]bool{"include_usage": true},
	"messages":       []map[string]string{{"role": "user", "content": "hello"}},
}

func replyJSON(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func replySSE(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			io.WriteString(w, frame)
			flusher.Flush()
		}
	}
}

func sseFrames(withUsage bool) []string {
	frames := []string{
		"data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n",
	}
	if withUsage {
		frames = append(frames, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[],\"usage\":{\"prompt_tokens\":1000,\"completion_tokens\":500,\"total_tokens\":1500}}\n\n")
	}
	return append(frames, "data: [DONE]\n\n")
}

func TestChatCompletions_BufferedChargesUsage(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)
	f.upstream.set(replyJSON(http.StatusOK, completionJSON))

	w := f.do(http.MethodPost, "/v1/chat/completions", key, chatBody)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, completionJSON, w.Body.String())

	// 1000 * 2.5/1M + 500 * 10/1M = 0.0075, times 1.2 markup
	f.settle("acct-1")
	require.Eventually(t, func() bool {
		return f.usage.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 9.991, f.balance("acct-1"), 1e-9)

	f.upstream.mu.Lock()
	defer f.upstream.mu.Unlock()
	var forwarded map[string]any
	require.NoError(t, json.Unmarshal(f.upstream.bodies[0], &forwarded))
	assert.Equal(t, "gpt-4o", forwarded["model"])
}

func TestChatCompletions_StreamRelaysBytesAndCharges(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)
	frames := sseFrames(true)
	f.upstream.set(replySSE(frames...))

	w := f.do(http.MethodPost, "/v1/chat/completions", key, streamBody)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, strings.Join(frames, ""), w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	f.settle("acct-1")
	require.Eventually(t, func() bool {
		return f.usage.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 9.991, f.balance("acct-1"), 1e-9)
}

func TestChatCompletions_StreamClientDisconnect(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)

	frames := sseFrames(true)
	f.upstream.set(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		// everything up to and including the usage frame, then hang
		for _, frame := range frames[:len(frames)-1] {
			io.WriteString(w, frame)
			flusher.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	gateway := httptest.NewServer(f.router)
	t.Cleanup(gateway.Close)

	data, err := json.Marshal(streamBody)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway.URL+"/v1/chat/completions", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, "\"usage\"") {
			break
		}
	}
	cancel()

	f.settle("acct-1")
	require.Eventually(t, func() bool {
		return f.usage.count() == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 9.991, f.balance("acct-1"), 1e-9)
}

func TestChatCompletions_StreamWithoutUsageIsNotBilled(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)
	f.upstream.set(replySSE(sseFrames(false)...))

	w := f.do(http.MethodPost, "/v1/chat/completions", key, streamBody)
	require.Equal(t, http.StatusOK, w.Code)

	f.settle("acct-1")
	assert.Never(t, func() bool {
		return f.usage.count() > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, 10.0, f.balance("acct-1"))
}

func TestChatCompletions_Authentication(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)
	f.upstream.set(replyJSON(http.StatusOK, completionJSON))

	w := f.do(http.MethodPost, "/v1/chat/completions", "", chatBody)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, utils.ErrTypeInvalidAPIKey, decodeError(t, w).Type)

	w = f.do(http.MethodPost, "/v1/chat/completions", "sk-not-a-real-key", chatBody)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	keys, err := f.keys.ListForAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	_, err = f.keys.Disable(context.Background(), keys[0].ID)
	require.NoError(t, err)

	w = f.do(http.MethodPost, "/v1/chat/completions", key, chatBody)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "api_key_revoked", decodeError(t, w).Code)

	assert.Equal(t, 0, f.upstream.callCount())
}

func TestChatCompletions_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 0.005)
	f.upstream.set(replyJSON(http.StatusOK, completionJSON))

	w := f.do(http.MethodPost, "/v1/chat/completions", key, chatBody)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, utils.ErrTypeInsufficientQuota, decodeError(t, w).Type)
	assert.Equal(t, 0, f.upstream.callCount())
	assert.Equal(t, 0, f.inFlight("acct-1"))
}

func TestChatCompletions_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.account("acct-1", 10)
	f.upstream.set(replyJSON(http.StatusOK, completionJSON))

	_, err := f.ledger.SetMaxConcurrency(ctx, "acct-1", 1)
	require.NoError(t, err)
	lease, err := f.control.Acquire(ctx, "acct-1")
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/v1/chat/completions", key, chatBody)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	apiErr := decodeError(t, w)
	assert.Equal(t, utils.ErrTypeRateLimit, apiErr.Type)
	assert.Equal(t, "concurrency_limit_exceeded", apiErr.Code)
	assert.Equal(t, 0, f.upstream.callCount())

	lease.Release()
	<-lease.Done()

	w = f.do(http.MethodPost, "/v1/chat/completions", key, chatBody)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatCompletions_Validation(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)

	tests := []struct {
		name string
		body any
	}{
		{name: "invalid json", body: "{not json"},
		{name: "missing model", body: map[string]any{"messages": []map[string]string{{"role": "user", "content": "x"}}}},
		{name: "missing messages", body: map[string]any{"model": "gpt-4o"}},
		{name: "empty messages", body: map[string]any{"model": "gpt-4o", "messages": []any{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/v1/chat/completions", key, tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, utils.ErrTypeInvalidRequest, decodeError(t, w).Type)
		})
	}
	assert.Equal(t, 0, f.upstream.callCount())
}

func TestChatCompletions_UpstreamErrorRelayedUnbilled(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)
	upstreamErr := `{"error":{"message":"boom","type":"server_error"}}`
	f.upstream.set(replyJSON(http.StatusInternalServerError, upstreamErr))

	w := f.do(http.MethodPost, "/v1/chat/completions", key, chatBody)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, upstreamErr, w.Body.String())
	f.settle("acct-1")
	assert.Never(t, func() bool {
		return f.usage.count() > 0
	}, 100*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, 10.0, f.balance("acct-1"))
}

func TestChatCompletions_UpstreamUnreachable(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	provider, err := providers.NewOpenAIProvider(config.UpstreamConfig{BaseURL: dead.URL, APIKey: "k", Timeout: time.Second})
	require.NoError(t, err)
	f.deps.Provider = provider

	w := f.do(http.MethodPost, "/v1/chat/completions", key, chatBody)

	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, utils.ErrTypeAPI, decodeError(t, w).Type)
	f.settle("acct-1")
	assert.Equal(t, 10.0, f.balance("acct-1"))
}

func TestListModels_Fallback(t *testing.T) {
	f := newFixture(t)
	key := f.account("acct-1", 10)

	w := f.do(http.MethodGet, "/v1/models", key, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list modelList
	decodeBody(t, w, &list)
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, len(fallbackModels))
	assert.Equal(t, "gpt-4o", list.Data[0].ID)
	assert.Equal(t, "model", list.Data[0].Object)
}

func TestBillingModel(t *testing.T) {
	assert.Equal(t, "gpt-4o", billingModel("gpt-4o", "gpt-4o-2024-08-06"))
	assert.Equal(t, "gpt-4o-2024-08-06", billingModel("", "gpt-4o-2024-08-06"))
}
