// Package ocr turns flyer images and PDFs into raw text through an ordered
// chain of providers.
package ocr

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/config"
	"github.com/sells-group/dispensary-deals/internal/resilience"
	"github.com/sells-group/dispensary-deals/pkg/anthropic"
)

// Input is a document to read.
type Input struct {
	Data     []byte
	MIMEType string
}

// Result is the text read from a document.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Provider   string  `json:"provider"`
}

// Provider extracts text from one or more media types.
type Provider interface {
	Name() string
	Supports(mimeType string) bool
	Extract(ctx context.Context, in Input) (*Result, error)
}

// Chain tries providers in order and returns the first non-empty result.
type Chain struct {
	providers []Provider
	breakers  *resilience.Breakers
	timeout   time.Duration
}

// NewChain builds a chain over providers. breakers may be nil.
func NewChain(breakers *resilience.Breakers, timeout time.Duration, providers ...Provider) *Chain {
	return &Chain{providers: providers, breakers: breakers, timeout: timeout}
}

// Providers returns the provider names in fallback order.
func (c *Chain) Providers() []string {
	out := make([]string, len(c.providers))
	for i, p := range c.providers {
		out[i] = p.Name()
	}
	return out
}

// Extract runs the chain. It fails with KindExtractionUnavailable when no
// provider handles the media type and KindExtractionFailed when every
// candidate provider errors.
func (c *Chain) Extract(ctx context.Context, in Input) (*Result, error) {
	const op = "ocr.extract"
	mimeType := strings.ToLower(strings.TrimSpace(in.MIMEType))
	if len(in.Data) == 0 {
		return nil, apperr.New(apperr.KindValidation, op, "empty document")
	}

	var (
		tried   int
		lastErr error
	)
	for _, p := range c.providers {
		if !p.Supports(mimeType) {
			continue
		}
		tried++

		res, err := c.run(ctx, p, Input{Data: in.Data, MIMEType: mimeType})
		if err == nil && strings.TrimSpace(res.Text) == "" {
			err = eris.Errorf("ocr: %s returned no text", p.Name())
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindExtractionFailed, op, ctx.Err())
			}
			lastErr = err
			if errors.Is(err, resilience.ErrCircuitOpen) {
				zap.L().Debug("ocr: provider circuit open, skipping", zap.String("provider", p.Name()), zap.Error(err))
				continue
			}
			fields := []zap.Field{
				zap.String("provider", p.Name()),
				zap.String("mime_type", mimeType),
				zap.Error(err),
			}
			if c.breakers != nil {
				fields = append(fields, zap.Int("consecutive_failures", c.breakers.For(breakerName(p)).Failures()))
			}
			zap.L().Warn("ocr: provider failed, falling back", fields...)
			continue
		}

		res.Provider = p.Name()
		zap.L().Debug("ocr: extracted text",
			zap.String("provider", p.Name()),
			zap.Int("chars", len(res.Text)),
		)
		return res, nil
	}

	if tried == 0 {
		return nil, apperr.New(apperr.KindExtractionUnavailable, op, "no provider configured for %s", mimeType)
	}
	return nil, apperr.Wrap(apperr.KindExtractionFailed, op,
		eris.Wrapf(lastErr, "ocr: all %d providers failed", tried))
}

func (c *Chain) run(ctx context.Context, p Provider, in Input) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.breakers == nil {
		return p.Extract(ctx, in)
	}
	return resilience.Call(ctx, c.breakers.For(breakerName(p)), func(ctx context.Context) (*Result, error) {
		return p.Extract(ctx, in)
	})
}

func breakerName(p Provider) string { return "ocr." + p.Name() }

// NewFromConfig builds the provider chain named by cfg.OCR.Providers.
// Providers whose credentials are missing are left out of the chain.
func NewFromConfig(cfg *config.Config, ai anthropic.Client, breakers *resilience.Breakers) (*Chain, error) {
	var providers []Provider
	for _, name := range cfg.OCR.Providers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case ProviderMistral:
			if cfg.Mistral.Key == "" {
				zap.L().Warn("ocr: mistral.key not set, skipping provider")
				continue
			}
			providers = append(providers, NewMistralOCR(cfg.Mistral.Key, cfg.Mistral.Model, cfg.Mistral.BaseURL))
		case ProviderClaude:
			if ai == nil {
				zap.L().Warn("ocr: anthropic client not configured, skipping provider")
				continue
			}
			providers = append(providers, NewClaudeVision(ai, cfg.Anthropic.VisionModel, cfg.Anthropic.MaxTokens))
		case ProviderPDFText:
			providers = append(providers, NewPDFText())
		default:
			return nil, eris.Errorf("ocr: unknown provider %q", name)
		}
	}
	timeout := time.Duration(cfg.OCR.TimeoutSecs) * time.Second
	return NewChain(breakers, timeout, providers...), nil
}
