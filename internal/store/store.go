package store

import (
	"context"
	"time"

	"github.com/sells-group/dispensary-deals/internal/model"
)

// DealFilter specifies criteria for listing deals. Brands holds display names
// matched case-insensitively; empty slices match everything. A zero Limit
// caps the result at defaultDealLimit; NoLimit returns every match.
type DealFilter struct {
	Date          string
	Categories    []model.Category
	Brands        []string
	ExcludeReview bool
	Limit         int
}

// Store defines the persistence interface for the deals catalog.
type Store interface {
	// Source documents
	FindSourceDocument(ctx context.Context, dispensaryID, date, contentHash string) (*model.SourceDocument, error)
	CreateSourceDocument(ctx context.Context, doc *model.SourceDocument) (bool, error)
	MarkSourceDocumentProcessed(ctx context.Context, id string, dealsExtracted int, at time.Time) error

	// Deals
	DealFingerprintExists(ctx context.Context, date, fingerprint string) (bool, error)
	InsertDeals(ctx context.Context, deals []model.Deal) ([]model.Deal, error)
	InsertReviewFlags(ctx context.Context, flags []model.ReviewFlag) error
	ListDeals(ctx context.Context, filter DealFilter) ([]model.Deal, error)

	// Brands
	FindBrandByName(ctx context.Context, name string) (*model.Brand, error)
	CreateBrand(ctx context.Context, name string) (*model.Brand, error)
	ListBrands(ctx context.Context) ([]model.Brand, error)
	SeedBrands(ctx context.Context, names []string) (int64, error)

	// Subscribers
	GetSubscriber(ctx context.Context, email string) (*model.Subscriber, error)
	UpsertSubscriber(ctx context.Context, sub *model.Subscriber) error

	// Throttle counters
	IncrementCounter(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)
	PruneCounters(ctx context.Context, now time.Time) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// NoLimit lists every matching deal.
const NoLimit = -1

const defaultDealLimit = 500

// dealLimit reports the row cap for f and whether one applies.
func dealLimit(f DealFilter) (int, bool) {
	switch {
	case f.Limit < 0:
		return 0, false
	case f.Limit == 0:
		return defaultDealLimit, true
	default:
		return f.Limit, true
	}
}

func categoryStrings(cats []model.Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

func brandKeys(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if k := model.BrandKey(n); k != "" {
			out = append(out, k)
		}
	}
	return out
}
