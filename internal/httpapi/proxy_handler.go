package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"metered_gateway/internal/admission"
	"metered_gateway/internal/auth"
	"metered_gateway/internal/billing"
	"metered_gateway/internal/logging"
	"metered_gateway/internal/metering"
	"metered_gateway/internal/middleware"
	"metered_gateway/internal/providers"
	"metered_gateway/internal/utils"
)

const (
	maxRequestBodyBytes  = 10 << 20
	maxResponseBodyBytes = 32 << 20
	streamBufferSize     = 32 << 10
)

// chatRequest holds the fields the gateway inspects. The body itself is
// forwarded unmodified.
type chatRequest struct {
	Model    string            `json:"model"`
	Stream   bool              `json:"stream"`
	Messages []json.RawMessage `json:"messages"`
}

// handleChatCompletions is the metered proxy for chat completions.
//
// Flow:
//  1. Validate the body (model and messages)
//  2. Balance pre-check
//  3. Acquire a concurrency slot, released on every exit path
//  4. Forward to the upstream
//  5. Relay the response, metering usage on the way through
//  6. Enqueue the charge
func (d *Dependencies) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	principal, ok := middleware.GetPrincipal(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, utils.ErrTypeInvalidAPIKey, "", "Missing API key")
		return
	}

	requestID := chimw.GetReqID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		badRequest(w, "Failed to read request body")
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.Model == "" {
		badRequest(w, "Missing required field: model")
		return
	}
	if len(req.Messages) == 0 {
		badRequest(w, "Missing required field: messages")
		return
	}

	record := &logging.LogRecord{
		Timestamp:    start,
		RequestID:    requestID,
		AccountID:    principal.AccountID,
		CredentialID: principal.CredentialID,
		Model:        req.Model,
		Stream:       req.Stream,
	}
	defer func() {
		elapsed := time.Since(start)
		record.GatewayMs = elapsed.Milliseconds()
		d.Metrics.ObserveRequest(record.Status, req.Stream, elapsed)
		if err := d.Sink.Enqueue(record); err != nil {
			d.Logger.Debug("Request log dropped", zap.String("request_id", requestID), zap.Error(err))
		}
	}()

	if err := d.Billing.CheckBudget(ctx, principal.AccountID); err != nil {
		d.fail(w, record, err, "Failed to check balance")
		return
	}

	lease, err := d.Admission.Acquire(ctx, principal.AccountID)
	if err != nil {
		if errors.Is(err, admission.ErrConcurrencyExceeded) {
			d.fail(w, record, err, "")
			return
		}
		// fail closed on store errors
		d.fail(w, record, err, "Failed to acquire concurrency slot")
		return
	}
	defer lease.Release()

	resp, err := d.Provider.ChatCompletions(ctx, body, req.Stream)
	if err != nil {
		d.Logger.Warn("Upstream request failed",
			zap.String("request_id", requestID),
			zap.String("model", req.Model),
			zap.Error(err),
		)
		record.Status = http.StatusBadGateway
		record.Error = err.Error()
		utils.RespondWithError(w, http.StatusBadGateway, utils.ErrTypeAPI, "", "Upstream request failed")
		return
	}
	record.UpstreamMs = resp.Latency.Milliseconds()
	record.Status = resp.StatusCode

	if !resp.OK() {
		d.relayUpstreamError(w, resp, record)
		return
	}

	if req.Stream {
		d.streamResponse(w, resp, principal, req.Model, record)
		return
	}
	d.bufferedResponse(w, resp, principal, req.Model, record)
}

// fail records err on the request log and writes the mapped error response
func (d *Dependencies) fail(w http.ResponseWriter, record *logging.LogRecord, err error, message string) {
	status, _, _ := errorStatus(err)
	record.Status = status
	record.Error = err.Error()
	d.respondError(w, err, message)
}

// relayUpstreamError passes a non-2xx upstream reply through unbilled
func (d *Dependencies) relayUpstreamError(w http.ResponseWriter, resp *providers.Response, record *logging.LogRecord) {
	data, err := providers.ReadAll(resp, maxResponseBodyBytes)
	if err != nil {
		record.Status = http.StatusBadGateway
		record.Error = err.Error()
		utils.RespondWithError(w, http.StatusBadGateway, utils.ErrTypeAPI, "", "Failed to read upstream response")
		return
	}
	record.Error = "upstream status " + http.StatusText(resp.StatusCode)

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(data)
}

func (d *Dependencies) bufferedResponse(w http.ResponseWriter, resp *providers.Response, principal *auth.Principal, model string, record *logging.LogRecord) {
	data, err := providers.ReadAll(resp, maxResponseBodyBytes)
	if err != nil {
		record.Status = http.StatusBadGateway
		record.Error = err.Error()
		utils.RespondWithError(w, http.StatusBadGateway, utils.ErrTypeAPI, "", "Failed to read upstream response")
		return
	}

	usage, err := metering.ParseUsage(data)
	if err != nil {
		d.Metrics.MeteringParseErrors(1)
		d.Logger.Warn("Failed to parse upstream usage",
			zap.String("request_id", record.RequestID),
			zap.Error(err),
		)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(data); err != nil {
		d.Logger.Debug("Client went away", zap.String("request_id", record.RequestID), zap.Error(err))
	}

	d.charge(principal, billingModel(model, usage.Model), record, usage)
}

// streamResponse relays the SSE body chunk by chunk through a MeteredStream.
// The charge is enqueued when the stream completes or is abandoned.
func (d *Dependencies) streamResponse(w http.ResponseWriter, resp *providers.Response, principal *auth.Principal, model string, record *logging.LogRecord) {
	stream := metering.NewMeteredStream(resp.Body, model, func(res metering.StreamResult) {
		d.Metrics.MeteringParseErrors(res.ParseErrors)
		if !res.Complete {
			d.Logger.Info("Stream ended before upstream EOF",
				zap.String("request_id", record.RequestID),
				zap.Int("input_tokens", res.Usage.InputTokens),
				zap.Int("output_tokens", res.Usage.OutputTokens),
			)
		}
		d.charge(principal, billingModel(model, res.Usage.Model), record, res.Usage)
	})
	defer stream.Close()

	copyHeaders(w.Header(), resp.Header)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamBufferSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				d.Logger.Debug("Client went away mid-stream", zap.String("request_id", record.RequestID), zap.Error(werr))
				record.Error = werr.Error()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.Logger.Warn("Upstream stream failed", zap.String("request_id", record.RequestID), zap.Error(err))
				record.Error = err.Error()
			}
			return
		}
	}
}

// charge enqueues the usage for deferred billing. It runs after the
// response is written, so it uses a fresh context.
func (d *Dependencies) charge(principal *auth.Principal, model string, record *logging.LogRecord, usage metering.Usage) {
	record.InputTokens = usage.InputTokens
	record.OutputTokens = usage.OutputTokens

	if usage.IsZero() {
		d.Metrics.BillingSkipped()
		d.Logger.Debug("No usage observed, not billing", zap.String("request_id", record.RequestID))
		return
	}

	ctx := context.Background()
	if d.Pricing != nil {
		record.CostUSD = d.Pricing.Cost(ctx, model, usage.InputTokens, usage.OutputTokens)
	}

	event := &billing.UsageEvent{
		AccountID:    principal.AccountID,
		CredentialID: principal.CredentialID,
		Model:        model,
		RequestID:    record.RequestID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Timestamp:    time.Now(),
	}

	if err := d.Queue.Enqueue(ctx, event); err != nil {
		d.Logger.Error("Failed to enqueue charge, billing inline",
			zap.String("request_id", record.RequestID),
			zap.Error(err),
		)
		if _, err := d.Billing.Charge(ctx, event); err != nil {
			d.Logger.Error("Failed to charge usage",
				zap.String("account_id", principal.AccountID),
				zap.String("request_id", record.RequestID),
				zap.Error(err),
			)
		}
	}
}

// billingModel prefers the requested model and falls back to the one the
// upstream reported
func billingModel(requested, reported string) string {
	if requested != "" {
		return requested
	}
	return reported
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
