// Package pipeline runs the flyer and website ingestion paths: fetch, text
// extraction, structured parsing, quality gating and catalog writes.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/sells-group/dispensary-deals/internal/blob"
	"github.com/sells-group/dispensary-deals/internal/brand"
	"github.com/sells-group/dispensary-deals/internal/catalog"
	"github.com/sells-group/dispensary-deals/internal/extract"
	"github.com/sells-group/dispensary-deals/internal/fetcher"
	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/ocr"
	"github.com/sells-group/dispensary-deals/internal/quality"
	"github.com/sells-group/dispensary-deals/internal/store"
)

const defaultMaxConcurrent = 4

// TextExtractor reads text out of flyer bytes.
type TextExtractor interface {
	Extract(ctx context.Context, in ocr.Input) (*ocr.Result, error)
}

// CandidateExtractor turns text or HTML into deal candidates.
type CandidateExtractor interface {
	Extract(ctx context.Context, req extract.Request) ([]model.Candidate, error)
}

// Deps are the collaborators a Pipeline is built from.
type Deps struct {
	Store         store.Store
	Blobs         blob.Store
	Fetcher       fetcher.Fetcher
	OCR           TextExtractor
	Parser        CandidateExtractor
	Gate          *quality.Gate
	Brands        *brand.Resolver
	Writer        *catalog.Writer
	Dispensaries  []model.Dispensary
	MaxConcurrent int
}

// Pipeline orchestrates ingestion for configured dispensaries.
type Pipeline struct {
	store         store.Store
	blobs         blob.Store
	fetcher       fetcher.Fetcher
	ocr           TextExtractor
	parser        CandidateExtractor
	gate          *quality.Gate
	brands        *brand.Resolver
	writer        *catalog.Writer
	dispensaries  []model.Dispensary
	maxConcurrent int
	now           func() time.Time
}

// New creates a Pipeline. Gate, Brands and Writer default to instances
// over Store when nil.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		store:         d.Store,
		blobs:         d.Blobs,
		fetcher:       d.Fetcher,
		ocr:           d.OCR,
		parser:        d.Parser,
		gate:          d.Gate,
		brands:        d.Brands,
		writer:        d.Writer,
		dispensaries:  d.Dispensaries,
		maxConcurrent: d.MaxConcurrent,
		now:           time.Now,
	}
	if p.gate == nil {
		p.gate = quality.NewGate(d.Store, 0, 0)
	}
	if p.brands == nil {
		p.brands = brand.NewResolver(d.Store)
	}
	if p.writer == nil {
		p.writer = catalog.NewWriter(d.Store)
	}
	if p.maxConcurrent <= 0 {
		p.maxConcurrent = defaultMaxConcurrent
	}
	return p
}

// Dispensaries returns the configured dispensary list.
func (p *Pipeline) Dispensaries() []model.Dispensary {
	return p.dispensaries
}

// lookup finds a configured dispensary by id or case-insensitive name.
func (p *Pipeline) lookup(name string) (model.Dispensary, bool) {
	key := model.DispensaryID(name)
	for _, d := range p.dispensaries {
		if d.Key() == key || strings.EqualFold(d.Name, strings.TrimSpace(name)) {
			return d, true
		}
	}
	return model.Dispensary{}, false
}

// resolveDispensary returns the configured dispensary for name, or an
// ad-hoc one with a derived id.
func (p *Pipeline) resolveDispensary(name, city string) model.Dispensary {
	if d, ok := p.lookup(name); ok {
		if city != "" {
			d.City = city
		}
		return d
	}
	name = strings.TrimSpace(name)
	return model.Dispensary{ID: model.DispensaryID(name), Name: name, City: city}
}
