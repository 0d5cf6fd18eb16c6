// Package extract turns OCR text or dispensary HTML into deal candidates
// using a Claude model constrained to a JSON schema.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/resilience"
	"github.com/sells-group/dispensary-deals/pkg/anthropic"
)

const (
	defaultModel         = "claude-haiku-4-5-20251001"
	defaultMaxTokens     = 4096
	defaultMaxInputChars = 60000
)

// Request is the input to a single extraction.
type Request struct {
	// Text is OCR output. Ignored when HTML is set.
	Text           string
	HTML           string
	DispensaryName string
	City           string
	SourceURL      string
}

// Options configures an Extractor.
type Options struct {
	Model         string
	MaxTokens     int64
	MaxInputChars int
	Timeout       time.Duration
	Retry         resilience.RetryConfig
}

// Extractor calls the model and validates its output.
type Extractor struct {
	ai       anthropic.Client
	breakers *resilience.Breakers
	opts     Options
	system   []anthropic.SystemBlock
	schema   *jsonschema.Schema
}

// New creates an Extractor. ai may be nil, in which case every call fails
// with KindExtractionUnavailable.
func New(ai anthropic.Client, breakers *resilience.Breakers, opts Options) (*Extractor, error) {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = defaultMaxInputChars
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Extractor{
		ai:       ai,
		breakers: breakers,
		opts:     opts,
		system:   anthropic.BuildCachedSystemBlocks(systemPrompt()),
		schema:   schema,
	}, nil
}

// Extract returns the candidates found in req. Errors carry
// KindValidation (no input), KindExtractionUnavailable (no model),
// KindExtractionFailed (model call failed) or KindSchemaViolation
// (malformed output).
func (e *Extractor) Extract(ctx context.Context, req Request) ([]model.Candidate, error) {
	const op = "extract"
	log := zap.L().With(zap.String("dispensary", req.DispensaryName), zap.String("stage", "parse"))

	input, err := e.input(req)
	if err != nil {
		return nil, err
	}
	if e.ai == nil {
		return nil, apperr.New(apperr.KindExtractionUnavailable, op, "anthropic client not configured")
	}

	msgReq := anthropic.MessageRequest{
		Model:     e.opts.Model,
		MaxTokens: e.opts.MaxTokens,
		System:    e.system,
		Messages:  []anthropic.Message{{Role: "user", Content: userPrompt(req, input)}},
	}

	retry := e.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "extract")
	}
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.call(ctx, msgReq)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExtractionFailed, op, err)
	}
	resp.Usage.LogCost(e.opts.Model, "parse")

	candidates, err := decodeCandidates(e.schema, resp.Text())
	if err != nil {
		log.Warn("extract: rejected model output", zap.Error(err), zap.String("stop_reason", resp.StopReason))
		return nil, apperr.Wrap(apperr.KindSchemaViolation, op, err)
	}

	log.Info("extract: candidates extracted", zap.Int("count", len(candidates)))
	return candidates, nil
}

func (e *Extractor) call(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	if e.breakers == nil {
		return e.ai.CreateMessage(ctx, req)
	}
	return resilience.Call(ctx, e.breakers.For("anthropic"), func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.ai.CreateMessage(ctx, req)
	})
}

func (e *Extractor) input(req Request) (string, error) {
	text := req.Text
	if strings.TrimSpace(req.HTML) != "" {
		md, err := HTMLToText(req.HTML)
		if err != nil {
			return "", apperr.Wrap(apperr.KindValidation, "extract", err)
		}
		text = md
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.New(apperr.KindValidation, "extract", "no text or html to extract from")
	}
	if strings.TrimSpace(req.DispensaryName) == "" {
		return "", apperr.New(apperr.KindValidation, "extract", "dispensary name is required")
	}
	if len(text) > e.opts.MaxInputChars {
		text = strings.ToValidUTF8(text[:e.opts.MaxInputChars], "")
	}
	return text, nil
}

func systemPrompt() string {
	return `You extract retail cannabis promotions from dispensary flyers and web pages.

Return only a JSON object of the form:
{"deals":[{"category":"...","title":"...","brand":"...","product_name":"...","price":"...","confidence":0.0}]}

Rules:
- category is one of: ` + strings.Join(model.CategoryNames(), ", ") + `.
- title is a short human-readable description of the offer.
- brand is the producer or label if printed, otherwise null.
- product_name is the specific product or strain if printed, otherwise null.
- price is the price expression exactly as printed, e.g. "2/$35", "$15/gram", "30% off", "BOGO".
- confidence is your certainty from 0 to 1 that the deal was read correctly.
- Do not invent deals. If nothing is legible return {"deals":[]}.`
}

func userPrompt(req Request, text string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispensary: %s\n", req.DispensaryName)
	if req.City != "" {
		fmt.Fprintf(&sb, "City: %s\n", req.City)
	}
	if req.SourceURL != "" {
		fmt.Fprintf(&sb, "Source: %s\n", req.SourceURL)
	}
	sb.WriteString("\n<content>\n")
	sb.WriteString(text)
	sb.WriteString("\n</content>")
	return sb.String()
}
