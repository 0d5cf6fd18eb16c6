package pipeline

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/quality"
)

// Status is the per-dispensary result of a run.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome reports what happened to one dispensary.
type Outcome struct {
	Dispensary    string `json:"dispensary"`
	Status        Status `json:"status"`
	DealsInserted int    `json:"deals_inserted"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Processed     int64     `json:"processed"`
	Skipped       int64     `json:"skipped"`
	Failed        int64     `json:"failed"`
	DealsInserted int64     `json:"deals_inserted"`
	Outcomes      []Outcome `json:"outcomes,omitempty"`
}

// ProcessFlyer runs fetch, OCR and parse for one dispensary's flyer. An OCR
// failure still surfaces one summary deal for the fetched document.
func (p *Pipeline) ProcessFlyer(ctx context.Context, d model.Dispensary) Outcome {
	out := Outcome{Dispensary: d.Key()}
	log := zap.L().With(zap.String("dispensary", d.Key()), zap.String("url", d.FlyerURL))

	fetched, err := p.Fetch(ctx, FetchRequest{DispensaryName: d.Name, City: d.City, SourceURL: d.FlyerURL})
	if err != nil {
		return failed(out, err)
	}
	if fetched.Skipped {
		out.Status, out.Reason = StatusSkipped, fetched.Reason
		return out
	}
	doc := fetched.Document

	text, err := p.OCR(ctx, OCRRequest{Data: fetched.Body, MIMEType: fetched.MIMEType})
	if err != nil {
		log.Warn("pipeline: text extraction failed, writing summary deal", zap.Error(err))
		deals, werr := p.writeSummary(ctx, d, doc.Date, d.FlyerURL, doc.ID, quality.Summary(d.Name))
		if werr != nil {
			return failed(out, werr)
		}
		out.Status, out.DealsInserted = StatusProcessed, len(deals)
		return out
	}

	res, err := p.Parse(ctx, ParseRequest{
		Text:             text.Text,
		DispensaryName:   d.Name,
		City:             d.City,
		SourceURL:        d.FlyerURL,
		SourceDocumentID: doc.ID,
		Date:             doc.Date,
	})
	if err != nil {
		return failed(out, err)
	}
	out.Status, out.DealsInserted = StatusProcessed, res.DealsInserted
	return out
}

// ProcessWebsite fetches a dispensary's deals page and parses the HTML. No
// source document is recorded; fingerprints deduplicate repeat runs.
func (p *Pipeline) ProcessWebsite(ctx context.Context, d model.Dispensary) Outcome {
	out := Outcome{Dispensary: d.Key()}

	resp, err := p.fetcher.Fetch(ctx, d.WebsiteURL)
	if err != nil {
		return failed(out, err)
	}
	res, err := p.Parse(ctx, ParseRequest{
		HTML:           string(resp.Body),
		DispensaryName: d.Name,
		City:           d.City,
		SourceURL:      d.WebsiteURL,
	})
	if err != nil {
		return failed(out, err)
	}
	out.Status, out.DealsInserted = StatusProcessed, res.DealsInserted
	return out
}

// Process picks the flyer path when a flyer URL is configured and the
// website path otherwise.
func (p *Pipeline) Process(ctx context.Context, d model.Dispensary) Outcome {
	switch {
	case d.FlyerURL != "":
		return p.ProcessFlyer(ctx, d)
	case d.WebsiteURL != "":
		return p.ProcessWebsite(ctx, d)
	default:
		return Outcome{Dispensary: d.Key(), Status: StatusSkipped, Reason: "no source url"}
	}
}

// RunBatch processes the configured dispensaries with bounded concurrency.
// only restricts the run to the given ids or names. One dispensary's
// failure is recorded and never stops the others.
func (p *Pipeline) RunBatch(ctx context.Context, only []string) *BatchSummary {
	targets := p.selectDispensaries(only)
	outcomes := make([]Outcome, len(targets))
	summary := &BatchSummary{}
	var processed, skipped, failedN, inserted atomic.Int64

	zap.L().Info("pipeline: starting batch",
		zap.Int("dispensaries", len(targets)),
		zap.Int("max_concurrent", p.maxConcurrent),
	)

	var g errgroup.Group
	g.SetLimit(p.maxConcurrent)
	for i, d := range targets {
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = failed(Outcome{Dispensary: d.Key()}, ctx.Err())
			} else {
				outcomes[i] = p.Process(ctx, d)
			}
			switch outcomes[i].Status {
			case StatusProcessed:
				processed.Add(1)
			case StatusSkipped:
				skipped.Add(1)
			default:
				failedN.Add(1)
			}
			inserted.Add(int64(outcomes[i].DealsInserted))
			return nil
		})
	}
	_ = g.Wait()

	summary.Processed = processed.Load()
	summary.Skipped = skipped.Load()
	summary.Failed = failedN.Load()
	summary.DealsInserted = inserted.Load()
	summary.Outcomes = outcomes

	zap.L().Info("pipeline: batch complete",
		zap.Int64("processed", summary.Processed),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("failed", summary.Failed),
		zap.Int64("deals_inserted", summary.DealsInserted),
	)
	return summary
}

func (p *Pipeline) selectDispensaries(only []string) []model.Dispensary {
	if len(only) == 0 {
		return p.dispensaries
	}
	want := make(map[string]bool, len(only))
	for _, o := range only {
		want[model.DispensaryID(o)] = true
	}
	var out []model.Dispensary
	for _, d := range p.dispensaries {
		if want[d.Key()] || want[model.DispensaryID(d.Name)] {
			out = append(out, d)
		}
	}
	return out
}

func failed(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Error = err.Error()
	if k := apperr.KindOf(err); k != "" {
		out.Reason = string(k)
	}
	zap.L().Error("pipeline: dispensary failed",
		zap.String("dispensary", out.Dispensary),
		zap.String("kind", strings.TrimSpace(out.Reason)),
		zap.Error(err),
	)
	return out
}
