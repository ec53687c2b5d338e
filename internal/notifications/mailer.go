// Package notifications sends account emails: the claim link for a new
// account and the receipt for a top-up.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"metered_gateway/internal/config"
)

const (
	defaultResendEndpoint = "https://api.resend.com/emails"
	defaultFrom           = "Metered Gateway <noreply@example.com>"
)

// Mailer sends account emails
type Mailer interface {
	SendClaim(ctx context.Context, to, claimURL string, ttl time.Duration) error
	SendRecharge(ctx context.Context, to string, amount, balance float64) error
}

// NewMailer returns a ResendMailer when an API key is configured, otherwise
// a NoopMailer
func NewMailer(cfg config.EmailConfig, logger *zap.Logger) Mailer {
	if cfg.ResendAPIKey == "" {
		return NewNoopMailer(logger)
	}
	return NewResendMailer(cfg, logger)
}

// ResendMailer sends email through the Resend HTTP API
type ResendMailer struct {
	apiKey   string
	from     string
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// ResendOption configures a ResendMailer
type ResendOption func(*ResendMailer)

// WithEndpoint overrides the Resend API URL
func WithEndpoint(url string) ResendOption {
	return func(m *ResendMailer) { m.endpoint = url }
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(c *http.Client) ResendOption {
	return func(m *ResendMailer) { m.client = c }
}

func NewResendMailer(cfg config.EmailConfig, logger *zap.Logger, opts ...ResendOption) *ResendMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	from := cfg.From
	if from == "" {
		from = defaultFrom
	}

	m := &ResendMailer{
		apiKey:   cfg.ResendAPIKey,
		from:     from,
		endpoint: defaultResendEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.Named("mailer"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendClaim sends the one-time link for collecting a new API key
func (m *ResendMailer) SendClaim(ctx context.Context, to, claimURL string, ttl time.Duration) error {
	html, err := render(claimTemplate, claimData{ClaimURL: claimURL, Minutes: int(ttl.Minutes())})
	if err != nil {
		return err
	}
	return m.send(ctx, to, "Your API key is ready to collect", html)
}

// SendRecharge sends a top-up receipt
func (m *ResendMailer) SendRecharge(ctx context.Context, to string, amount, balance float64) error {
	html, err := render(rechargeTemplate, rechargeData{Amount: amount, Balance: balance})
	if err != nil {
		return err
	}
	return m.send(ctx, to, "Top-up received", html)
}

func (m *ResendMailer) send(ctx context.Context, to, subject, html string) error {
	body, err := json.Marshal(resendRequest{
		From:    m.from,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("failed to encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("email API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	m.logger.Debug("Email sent", zap.String("subject", subject))
	return nil
}

// NoopMailer logs instead of sending
type NoopMailer struct {
	logger *zap.Logger
}

func NewNoopMailer(logger *zap.Logger) *NoopMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopMailer{logger: logger.Named("mailer")}
}

func (m *NoopMailer) SendClaim(ctx context.Context, to, claimURL string, ttl time.Duration) error {
	m.logger.Info("Email disabled, claim link not sent", zap.Duration("ttl", ttl))
	return nil
}

func (m *NoopMailer) SendRecharge(ctx context.Context, to string, amount, balance float64) error {
	m.logger.Info("Email disabled, recharge receipt not sent", zap.Float64("amount", amount))
	return nil
}
