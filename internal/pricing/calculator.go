// Package pricing turns token counts into a monetary cost.
//
//	cost = (in/1e6*inputPrice + out/1e6*outputPrice) * markup
//
// Prices are resolved from reference data first, then the built-in table by
// exact model name, then a single fallback entry.
package pricing

import (
	"context"

	"go.uber.org/zap"
)

const tokensPerUnit = 1_000_000

// ReferenceSource supplies prices from reference data such as the models
// table. found is false when the model has no priced entry.
type ReferenceSource interface {
	LookupPrice(ctx context.Context, model string) (price Price, found bool, err error)
}

// Calculator resolves prices and computes costs. It has no side effects and
// is safe for concurrent use.
type Calculator struct {
	reference     ReferenceSource
	table         Table
	markup        float64
	fallbackModel string
	logger        *zap.Logger
}

// Option configures a Calculator
type Option func(*Calculator)

// WithReference sets the reference data source consulted first
func WithReference(src ReferenceSource) Option {
	return func(c *Calculator) {
		c.reference = src
	}
}

// WithTable replaces the built-in price table
func WithTable(t Table) Option {
	return func(c *Calculator) {
		c.table = t.Clone()
	}
}

// WithMarkup sets the default markup
func WithMarkup(m float64) Option {
	return func(c *Calculator) {
		if m > 0 {
			c.markup = m
		}
	}
}

// WithFallbackModel sets the table entry used for unknown models
func WithFallbackModel(model string) Option {
	return func(c *Calculator) {
		if model != "" {
			c.fallbackModel = model
		}
	}
}

// WithLogger sets the logger for reference lookup failures
func WithLogger(l *zap.Logger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.logger = l.Named("pricing")
		}
	}
}

// NewCalculator creates a calculator with the built-in table and markup
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		table:         DefaultTable(),
		markup:        DefaultMarkup,
		fallbackModel: DefaultFallbackModel,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, ok := c.table[c.fallbackModel]; !ok {
		c.logger.Warn("fallback model has no price, using default",
			zap.String("fallback_model", c.fallbackModel),
			zap.String("default", DefaultFallbackModel),
		)
		c.fallbackModel = DefaultFallbackModel
	}
	return c
}

// FallbackModel returns the table entry that prices unknown models
func (c *Calculator) FallbackModel() string {
	return c.fallbackModel
}

// Resolve returns the price of model with its markup filled in.
func (c *Calculator) Resolve(ctx context.Context, model string) Price {
	if c.reference != nil && model != "" {
		p, found, err := c.reference.LookupPrice(ctx, model)
		switch {
		case err != nil:
			c.logger.Warn("reference price lookup failed", zap.String("model", model), zap.Error(err))
		case found:
			return c.withMarkup(p)
		}
	}

	if p, ok := c.table[model]; ok {
		return c.withMarkup(p)
	}
	return c.withMarkup(c.table[c.fallbackModel])
}

// Cost prices a request of model with the given token counts
func (c *Calculator) Cost(ctx context.Context, model string, inputTokens, outputTokens int) float64 {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0
	}
	return Compute(c.Resolve(ctx, model), inputTokens, outputTokens)
}

func (c *Calculator) withMarkup(p Price) Price {
	if p.Markup <= 0 {
		p.Markup = c.markup
	}
	return p
}

// Compute applies the cost formula to a resolved price. Negative token counts
// and prices count as zero; a non-positive markup counts as DefaultMarkup.
func Compute(p Price, inputTokens, outputTokens int) float64 {
	in := float64(max(inputTokens, 0))
	out := float64(max(outputTokens, 0))
	markup := p.Markup
	if markup <= 0 {
		markup = DefaultMarkup
	}

	cost := (in/tokensPerUnit*max(p.Input, 0) + out/tokensPerUnit*max(p.Output, 0)) * markup
	return max(cost, 0)
}
