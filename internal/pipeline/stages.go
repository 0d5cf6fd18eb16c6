package pipeline

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/blob"
	"github.com/sells-group/dispensary-deals/internal/brand"
	"github.com/sells-group/dispensary-deals/internal/catalog"
	"github.com/sells-group/dispensary-deals/internal/extract"
	"github.com/sells-group/dispensary-deals/internal/fetcher"
	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/ocr"
	"github.com/sells-group/dispensary-deals/internal/quality"
)

// ReasonDuplicate is reported when a flyer's bytes were already stored today.
const ReasonDuplicate = "duplicate"

// FetchRequest is the input to the fetch stage.
type FetchRequest struct {
	DispensaryName string `json:"dispensary_name"`
	City           string `json:"city,omitempty"`
	SourceURL      string `json:"source_url"`
}

// FetchResult is the output of the fetch stage. Body is kept for the
// in-process flyer path and never serialized. Resumed marks a document an
// earlier run stored but never finished processing.
type FetchResult struct {
	FilePath string                `json:"file_path,omitempty"`
	Hash     string                `json:"hash,omitempty"`
	MIMEType string                `json:"mime_type,omitempty"`
	Uploaded bool                  `json:"uploaded"`
	Resumed  bool                  `json:"resumed,omitempty"`
	Skipped  bool                  `json:"skipped,omitempty"`
	Reason   string                `json:"reason,omitempty"`
	Document *model.SourceDocument `json:"-"`
	Body     []byte                `json:"-"`
}

// Fetch downloads a flyer, stores it under its content hash and records the
// source document. A flyer already processed for the dispensary today is
// reported as skipped with reason "duplicate"; one that was stored but never
// processed is returned again for another attempt.
func (p *Pipeline) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	const op = "pipeline.fetch"
	if strings.TrimSpace(req.DispensaryName) == "" {
		return nil, apperr.New(apperr.KindValidation, op, "dispensary_name is required")
	}
	if strings.TrimSpace(req.SourceURL) == "" {
		return nil, apperr.New(apperr.KindValidation, op, "source_url is required")
	}
	disp := p.resolveDispensary(req.DispensaryName, req.City)
	log := zap.L().With(zap.String("dispensary", disp.Key()), zap.String("url", req.SourceURL), zap.String("stage", "fetch"))

	resp, err := p.fetcher.Fetch(ctx, req.SourceURL)
	if err != nil {
		return nil, err
	}

	date := model.DateOf(p.now())
	hash := resp.Hash()
	mimeType := fetcher.DetectMIME(req.SourceURL, resp.ContentType, resp.Body)

	existing, err := p.store.FindSourceDocument(ctx, disp.Key(), date, hash)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	if existing != nil && existing.ProcessedAt != nil {
		log.Info("pipeline: flyer unchanged, skipping")
		return duplicateResult(existing), nil
	}
	if existing != nil {
		// Same hash, same bytes: rewriting restores a blob lost since the first attempt.
		if err := p.blobs.Put(ctx, existing.StoragePath, resp.Body); err != nil {
			return nil, err
		}
		log.Info("pipeline: resuming unprocessed flyer", zap.String("source_document", existing.ID))
		return &FetchResult{
			FilePath: existing.StoragePath,
			Hash:     existing.ContentHash,
			MIMEType: existing.MIMEType,
			Resumed:  true,
			Document: existing,
			Body:     resp.Body,
		}, nil
	}

	key := blob.Key(disp.Key(), date, hash, fetcher.Extension(mimeType))
	if err := p.blobs.Put(ctx, key, resp.Body); err != nil {
		return nil, err
	}

	doc := &model.SourceDocument{
		ID:           uuid.New().String(),
		DispensaryID: disp.Key(),
		Date:         date,
		StoragePath:  key,
		SourceURL:    req.SourceURL,
		ContentHash:  hash,
		MIMEType:     mimeType,
		FetchedAt:    p.now().UTC(),
	}
	created, err := p.store.CreateSourceDocument(ctx, doc)
	if err != nil {
		if delErr := p.blobs.Delete(ctx, key); delErr != nil {
			log.Warn("pipeline: orphaned flyer blob", zap.String("key", key), zap.Error(delErr))
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, eris.Wrap(err, "create source document"))
	}
	if !created {
		// A concurrent fetch stored the same bytes first; the blob path is shared.
		log.Info("pipeline: flyer recorded concurrently, skipping")
		return duplicateResult(doc), nil
	}

	log.Info("pipeline: flyer stored", zap.String("key", key), zap.String("mime_type", mimeType))
	return &FetchResult{
		FilePath: key,
		Hash:     hash,
		MIMEType: mimeType,
		Uploaded: true,
		Document: doc,
		Body:     resp.Body,
	}, nil
}

func duplicateResult(doc *model.SourceDocument) *FetchResult {
	return &FetchResult{
		FilePath: doc.StoragePath,
		Hash:     doc.ContentHash,
		MIMEType: doc.MIMEType,
		Skipped:  true,
		Reason:   ReasonDuplicate,
		Document: doc,
	}
}

// OCRRequest is the input to the OCR stage: a stored file path or raw bytes.
type OCRRequest struct {
	FilePath string `json:"file_path,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// OCR reads text from a stored flyer or from raw bytes.
func (p *Pipeline) OCR(ctx context.Context, req OCRRequest) (*ocr.Result, error) {
	const op = "pipeline.ocr"
	data := req.Data
	if len(data) == 0 {
		if req.FilePath == "" {
			return nil, apperr.New(apperr.KindValidation, op, "file_path or data is required")
		}
		var err error
		if data, err = p.blobs.Get(ctx, req.FilePath); err != nil {
			return nil, err
		}
	}
	mimeType := req.MIMEType
	if mimeType == "" {
		mimeType = fetcher.DetectMIME(path.Base(req.FilePath), "", data)
	}
	return p.ocr.Extract(ctx, ocr.Input{Data: data, MIMEType: mimeType})
}

// ParseRequest is the input to the parse stage.
type ParseRequest struct {
	Text             string `json:"ocr_text,omitempty"`
	HTML             string `json:"html,omitempty"`
	DispensaryName   string `json:"dispensary_name"`
	City             string `json:"city,omitempty"`
	SourceURL        string `json:"source_url,omitempty"`
	SourceDocumentID string `json:"source_document_id,omitempty"`
	// Date defaults to today (UTC).
	Date string `json:"date,omitempty"`
}

// ParseResult is the output of the parse stage.
type ParseResult struct {
	DealsInserted int          `json:"deals_inserted"`
	Deals         []model.Deal `json:"deals"`
	AIFailed      bool         `json:"ai_failed,omitempty"`
}

// Parse extracts candidates, gates them and writes the survivors. When
// extraction fails or finds nothing, a single summary deal is written
// instead. Low-confidence candidates are folded into one summary deal.
func (p *Pipeline) Parse(ctx context.Context, req ParseRequest) (*ParseResult, error) {
	const op = "pipeline.parse"
	if strings.TrimSpace(req.DispensaryName) == "" {
		return nil, apperr.New(apperr.KindValidation, op, "dispensary_name is required")
	}
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.HTML) == "" {
		return nil, apperr.New(apperr.KindValidation, op, "ocr_text or html is required")
	}
	disp := p.resolveDispensary(req.DispensaryName, req.City)
	src := p.sourceURL(req.SourceURL, disp)
	if src == "" {
		return nil, apperr.New(apperr.KindValidation, op, "source_url is required for unknown dispensary %q", disp.Name)
	}
	date := req.Date
	if date == "" {
		date = model.DateOf(p.now())
	}
	log := zap.L().With(zap.String("dispensary", disp.Key()), zap.String("stage", "parse"))

	candidates, err := p.parser.Extract(ctx, extract.Request{
		Text:           req.Text,
		HTML:           req.HTML,
		DispensaryName: disp.Name,
		City:           disp.City,
		SourceURL:      src,
	})
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			return nil, err
		}
		log.Warn("pipeline: extraction failed, writing summary deal", zap.Error(err))
		deals, werr := p.writeSummary(ctx, disp, date, src, req.SourceDocumentID, quality.Summary(disp.Name))
		if werr != nil {
			return nil, werr
		}
		return &ParseResult{DealsInserted: len(deals), Deals: deals, AIFailed: true}, nil
	}
	if len(candidates) == 0 {
		log.Info("pipeline: no deals found, writing summary deal")
		deals, werr := p.writeSummary(ctx, disp, date, src, req.SourceDocumentID, quality.Summary(disp.Name))
		if werr != nil {
			return nil, werr
		}
		return &ParseResult{DealsInserted: len(deals), Deals: deals}, nil
	}

	candidates, brands := p.resolveBrands(ctx, disp, candidates)
	gated, err := p.gate.Evaluate(ctx, disp.Key(), date, candidates)
	if err != nil {
		return nil, err
	}

	entries := make([]catalog.Entry, 0, len(gated.Accepted)+1)
	for _, out := range gated.Accepted {
		entries = append(entries, catalog.Entry{
			Deal:    buildDeal(disp, date, src, out, brands),
			Reasons: out.Reasons,
		})
	}
	if agg, ok := quality.AggregateLowConfidence(disp.Name, gated.LowConfidence); ok {
		out, err := p.gate.EvaluateSummary(ctx, disp.Key(), date, agg)
		if err != nil {
			return nil, err
		}
		if out.Decision == quality.DecisionAccepted {
			entries = append(entries, catalog.Entry{Deal: summaryDeal(disp, date, src, out)})
		}
	}

	if len(entries) == 0 {
		log.Info("pipeline: every candidate was a duplicate", zap.Int("duplicates", gated.Duplicates))
		if req.SourceDocumentID != "" {
			if _, err := p.writer.Write(ctx, req.SourceDocumentID, nil); err != nil {
				return nil, err
			}
		}
		return &ParseResult{Deals: []model.Deal{}}, nil
	}

	inserted, err := p.writer.Write(ctx, req.SourceDocumentID, entries)
	if err != nil {
		return nil, err
	}
	return &ParseResult{DealsInserted: len(inserted), Deals: inserted}, nil
}

func (p *Pipeline) sourceURL(requested string, disp model.Dispensary) string {
	switch {
	case strings.TrimSpace(requested) != "":
		return strings.TrimSpace(requested)
	case disp.FlyerURL != "":
		return disp.FlyerURL
	default:
		return disp.WebsiteURL
	}
}

// writeSummary gates and writes a single summary deal.
func (p *Pipeline) writeSummary(ctx context.Context, disp model.Dispensary, date, src, docID string, c model.Candidate) ([]model.Deal, error) {
	out, err := p.gate.EvaluateSummary(ctx, disp.Key(), date, c)
	if err != nil {
		return nil, err
	}
	var entries []catalog.Entry
	if out.Decision == quality.DecisionAccepted {
		entries = append(entries, catalog.Entry{Deal: summaryDeal(disp, date, src, out)})
	}
	if len(entries) == 0 && docID == "" {
		return []model.Deal{}, nil
	}
	inserted, err := p.writer.Write(ctx, docID, entries)
	if err != nil {
		return nil, err
	}
	if inserted == nil {
		inserted = []model.Deal{}
	}
	return inserted, nil
}

// resolveBrands retitles candidates above the confidence floor as they will
// be stored, so the gate fingerprints the stored title. Resolved brands are
// keyed by registry name.
func (p *Pipeline) resolveBrands(ctx context.Context, disp model.Dispensary, candidates []model.Candidate) ([]model.Candidate, map[string]brand.Resolution) {
	out := make([]model.Candidate, len(candidates))
	resolved := make(map[string]brand.Resolution)
	for i, c := range candidates {
		out[i] = c
		if c.Confidence < p.gate.MinConfidence() {
			continue
		}
		res, err := p.brands.Resolve(ctx, c.Brand, c.Title)
		if err != nil {
			zap.L().Warn("pipeline: brand resolution failed, leaving deal unbranded",
				zap.String("dispensary", disp.Key()),
				zap.String("brand", c.Brand),
				zap.Error(err),
			)
			continue
		}
		out[i].Title = res.Title
		if res.BrandID != nil {
			out[i].Brand = res.BrandName
			resolved[res.BrandName] = res
		}
	}
	return out, resolved
}

func buildDeal(disp model.Dispensary, date, src string, out quality.Outcome, brands map[string]brand.Resolution) model.Deal {
	c := out.Candidate
	d := model.Deal{
		DispensaryID: disp.Key(),
		City:         disp.City,
		Date:         date,
		Category:     c.Category,
		Title:        c.Title,
		ProductName:  c.ProductName,
		Price:        c.Price,
		Confidence:   c.Confidence,
		Fingerprint:  out.Fingerprint,
		NeedsReview:  out.NeedsReview,
		SourceURL:    src,
	}
	if res, ok := brands[c.Brand]; ok && c.Brand != "" {
		d.BrandID, d.BrandName = res.BrandID, res.BrandName
	}
	return d
}

func summaryDeal(disp model.Dispensary, date, src string, out quality.Outcome) model.Deal {
	c := out.Candidate
	return model.Deal{
		DispensaryID: disp.Key(),
		City:         disp.City,
		Date:         date,
		Category:     c.Category,
		Title:        c.Title,
		Price:        c.Price,
		Confidence:   c.Confidence,
		Fingerprint:  out.Fingerprint,
		SourceURL:    src,
	}
}
