package ocr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/config"
	"github.com/sells-group/dispensary-deals/internal/resilience"
	"github.com/sells-group/dispensary-deals/pkg/anthropic"
)

type fakeProvider struct {
	name     string
	supports []string
	text     string
	err      error
	calls    int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(mimeType string) bool {
	for _, s := range f.supports {
		if s == mimeType {
			return true
		}
	}
	return false
}

func (f *fakeProvider) Extract(_ context.Context, _ Input) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Text: f.text, Confidence: 0.9}, nil
}

type mockAI struct {
	mock.Mock
}

func (m *mockAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

var pdfInput = Input{Data: []byte("%PDF-1.4"), MIMEType: "application/pdf"}

func TestChain_FirstProviderWins(t *testing.T) {
	first := &fakeProvider{name: "a", supports: []string{"application/pdf"}, text: "2 for $35"}
	second := &fakeProvider{name: "b", supports: []string{"application/pdf"}, text: "unused"}

	res, err := NewChain(nil, 0, first, second).Extract(context.Background(), pdfInput)
	require.NoError(t, err)
	assert.Equal(t, "2 for $35", res.Text)
	assert.Equal(t, "a", res.Provider)
	assert.Equal(t, 0, second.calls)
}

func TestChain_FallsBackOnError(t *testing.T) {
	first := &fakeProvider{name: "a", supports: []string{"application/pdf"}, err: errors.New("boom")}
	second := &fakeProvider{name: "b", supports: []string{"application/pdf"}, text: "$20 eighths"}

	res, err := NewChain(nil, time.Second, first, second).Extract(context.Background(), pdfInput)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, 1, first.calls)
}

func TestChain_FallsBackOnEmptyText(t *testing.T) {
	first := &fakeProvider{name: "a", supports: []string{"application/pdf"}, text: "   "}
	second := &fakeProvider{name: "b", supports: []string{"application/pdf"}, text: "BOGO carts"}

	res, err := NewChain(nil, 0, first, second).Extract(context.Background(), pdfInput)
	require.NoError(t, err)
	assert.Equal(t, "BOGO carts", res.Text)
}

func TestChain_AllFail(t *testing.T) {
	first := &fakeProvider{name: "a", supports: []string{"application/pdf"}, err: errors.New("a down")}
	second := &fakeProvider{name: "b", supports: []string{"application/pdf"}, err: errors.New("b down")}

	_, err := NewChain(nil, 0, first, second).Extract(context.Background(), pdfInput)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindExtractionFailed))
	assert.Contains(t, err.Error(), "b down")
}

func TestChain_NoProviderForMIME(t *testing.T) {
	pdfOnly := &fakeProvider{name: "a", supports: []string{"application/pdf"}, text: "x"}

	_, err := NewChain(nil, 0, pdfOnly).Extract(context.Background(), Input{Data: []byte{1}, MIMEType: "image/png"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindExtractionUnavailable))
	assert.Equal(t, 0, pdfOnly.calls)
}

func TestChain_EmptyChain(t *testing.T) {
	_, err := NewChain(nil, 0).Extract(context.Background(), pdfInput)
	assert.True(t, apperr.Is(err, apperr.KindExtractionUnavailable))
}

func TestChain_EmptyDocument(t *testing.T) {
	_, err := NewChain(nil, 0).Extract(context.Background(), Input{MIMEType: "application/pdf"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestChain_MIMETypeNormalized(t *testing.T) {
	p := &fakeProvider{name: "a", supports: []string{"image/png"}, text: "ok"}

	res, err := NewChain(nil, 0, p).Extract(context.Background(), Input{Data: []byte{1}, MIMEType: " IMAGE/PNG "})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
}

func TestChain_OpenBreakerSkipsProvider(t *testing.T) {
	breakers := resilience.NewBreakers(resilience.BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	flaky := &fakeProvider{name: "a", supports: []string{"application/pdf"}, err: errors.New("down")}
	backup := &fakeProvider{name: "b", supports: []string{"application/pdf"}, text: "ok"}
	chain := NewChain(breakers, 0, flaky, backup)

	_, err := chain.Extract(context.Background(), pdfInput)
	require.NoError(t, err)
	_, err = chain.Extract(context.Background(), pdfInput)
	require.NoError(t, err)

	assert.Equal(t, 1, flaky.calls)
	assert.Equal(t, 2, backup.calls)
	assert.Equal(t, resilience.CircuitOpen, breakers.For("ocr.a").State())
	assert.Equal(t, 1, breakers.For("ocr.a").Failures())
}

func TestChain_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProvider{name: "a", supports: []string{"application/pdf"}, err: context.Canceled}

	_, err := NewChain(nil, 0, p).Extract(ctx, pdfInput)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{
		OCR:     config.OCRConfig{Providers: []string{"mistral", "claude", "pdftext"}, TimeoutSecs: 30},
		Mistral: config.MistralConfig{Key: "mk"},
	}

	chain, err := NewFromConfig(cfg, &mockAI{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mistral", "claude", "pdftext"}, chain.Providers())
	assert.Equal(t, 30*time.Second, chain.timeout)
}

func TestNewFromConfig_SkipsUnconfigured(t *testing.T) {
	cfg := &config.Config{OCR: config.OCRConfig{Providers: []string{"mistral", "claude", "pdftext"}}}

	chain, err := NewFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"pdftext"}, chain.Providers())
}

func TestNewFromConfig_UnknownProvider(t *testing.T) {
	cfg := &config.Config{OCR: config.OCRConfig{Providers: []string{"tesseract"}}}

	_, err := NewFromConfig(cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "tesseract"`)
}
