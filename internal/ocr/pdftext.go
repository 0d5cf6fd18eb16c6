package ocr

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	rpdf "rsc.io/pdf"
)

const pdfTextConfidence = 0.7

// PDFText reads the embedded text layer of a PDF. Scanned flyers have none,
// so it sits last in the chain.
type PDFText struct{}

// NewPDFText creates a PDFText provider.
func NewPDFText() *PDFText { return &PDFText{} }

// Name implements Provider.
func (p *PDFText) Name() string { return ProviderPDFText }

// Supports implements Provider.
func (p *PDFText) Supports(mimeType string) bool { return mimeType == "application/pdf" }

// Extract implements Provider.
func (p *PDFText) Extract(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := extractPDFText(in.Data)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read pdf text layer")
	}
	return &Result{Text: text, Confidence: pdfTextConfidence}, nil
}

func extractPDFText(content []byte) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		for _, fragment := range page.Content().Text {
			builder.WriteString(fragment.S)
		}
		builder.WriteString("\n")
	}

	return strings.TrimSpace(builder.String()), nil
}
