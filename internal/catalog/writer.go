// Package catalog persists accepted deals for one source document.
package catalog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/quality"
)

// Sink is the subset of the store the writer needs.
type Sink interface {
	InsertDeals(ctx context.Context, deals []model.Deal) ([]model.Deal, error)
	InsertReviewFlags(ctx context.Context, flags []model.ReviewFlag) error
	MarkSourceDocumentProcessed(ctx context.Context, id string, dealsExtracted int, at time.Time) error
}

// Entry is a deal ready to insert plus any review reasons.
type Entry struct {
	Deal    model.Deal
	Reasons []string
}

// Writer writes a document's deals in one batch, then its review flags,
// then the document bookkeeping.
type Writer struct {
	sink Sink
	now  func() time.Time
}

// NewWriter creates a Writer.
func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink, now: time.Now}
}

// Write inserts entries and returns the deals actually inserted. Deals whose
// fingerprint already exists for the date are skipped by the store. docID
// may be empty for deals without a source document.
func (w *Writer) Write(ctx context.Context, docID string, entries []Entry) ([]model.Deal, error) {
	log := zap.L().With(zap.String("source_document", docID))

	deals := make([]model.Deal, len(entries))
	reasons := make(map[string][]string, len(entries))
	for i, e := range entries {
		d := e.Deal
		d.NeedsReview = d.NeedsReview || len(e.Reasons) > 0
		if docID != "" {
			id := docID
			d.SourceDocumentID = &id
		}
		deals[i] = d
		if len(e.Reasons) > 0 {
			reasons[d.Fingerprint] = e.Reasons
		}
	}

	inserted, err := w.sink.InsertDeals(ctx, deals)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "catalog.write", err)
	}

	var flags []model.ReviewFlag
	for _, d := range inserted {
		flags = append(flags, quality.FlagsFor(d.ID, reasons[d.Fingerprint])...)
	}
	if len(flags) > 0 {
		if err := w.sink.InsertReviewFlags(ctx, flags); err != nil {
			log.Warn("catalog: review flags not written", zap.Int("flags", len(flags)), zap.Error(err))
		}
	}

	if docID != "" {
		if err := w.sink.MarkSourceDocumentProcessed(ctx, docID, len(inserted), w.now().UTC()); err != nil {
			log.Warn("catalog: source document bookkeeping failed", zap.Error(err))
		}
	}

	log.Info("catalog: deals written",
		zap.Int("submitted", len(entries)),
		zap.Int("inserted", len(inserted)),
		zap.Int("flags", len(flags)),
	)
	return inserted, nil
}
