package ocr

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dispensary-deals/pkg/anthropic"
)

const (
	defaultVisionModel = "claude-sonnet-4-5-20250929"
	visionConfidence   = 0.85
	visionPrompt       = "Transcribe every piece of text on this dispensary promotional flyer exactly as printed. " +
		"Keep each deal on its own line with its price. Output only the transcription."
)

var visionMIME = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/gif":       true,
}

// ClaudeVision reads flyers with a vision-capable Claude model.
type ClaudeVision struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeVision creates a ClaudeVision provider.
func NewClaudeVision(client anthropic.Client, model string, maxTokens int64) *ClaudeVision {
	if model == "" {
		model = defaultVisionModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &ClaudeVision{client: client, model: model, maxTokens: maxTokens}
}

// Name implements Provider.
func (c *ClaudeVision) Name() string { return ProviderClaude }

// Supports implements Provider.
func (c *ClaudeVision) Supports(mimeType string) bool { return visionMIME[mimeType] }

// Extract sends the document as an attachment and returns the transcription.
func (c *ClaudeVision) Extract(ctx context.Context, in Input) (*Result, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.Message{{
			Role:        "user",
			Content:     visionPrompt,
			Attachments: []anthropic.Attachment{{MediaType: in.MIMEType, Data: in.Data}},
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "ocr: claude vision")
	}
	resp.Usage.LogCost(c.model, "ocr")

	return &Result{Text: strings.TrimSpace(resp.Text()), Confidence: visionConfidence}, nil
}
