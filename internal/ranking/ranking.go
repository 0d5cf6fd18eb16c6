package ranking

import (
	"context"
	"math"
	"net/mail"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/store"
)

// Catalog is the store subset the ranking service reads and writes.
type Catalog interface {
	GetSubscriber(ctx context.Context, email string) (*model.Subscriber, error)
	UpsertSubscriber(ctx context.Context, sub *model.Subscriber) error
	ListDeals(ctx context.Context, filter store.DealFilter) ([]model.Deal, error)
}

// RankedDeal is a deal with its computed score. UnitPrice is nil when the
// price could not be parsed.
type RankedDeal struct {
	model.Deal
	UnitPrice *float64 `json:"unit_price"`
	score     float64
}

// Service ranks deals against stored subscriber preferences.
type Service struct {
	catalog Catalog
}

// NewService creates a Service.
func NewService(catalog Catalog) *Service {
	return &Service{catalog: catalog}
}

// Rank returns the subscriber's non-flagged deals for date in their
// categories (and brands, when set), cheapest per unit first. Ties go to
// the most recently created deal.
func (s *Service) Rank(ctx context.Context, email, date string) ([]RankedDeal, error) {
	const op = "ranking.rank"
	addr, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := ValidateDate(date); err != nil {
		return nil, err
	}

	sub, err := s.catalog.GetSubscriber(ctx, addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	if sub == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "no subscriber %s", addr)
	}

	deals, err := s.catalog.ListDeals(ctx, store.DealFilter{
		Date:          date,
		Categories:    sub.Categories,
		Brands:        sub.Brands,
		ExcludeReview: true,
		Limit:         store.NoLimit,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}

	ranked := Sort(deals)
	zap.L().Debug("ranking: ranked deals",
		zap.String("date", date),
		zap.Int("categories", len(sub.Categories)),
		zap.Int("brands", len(sub.Brands)),
		zap.Int("deals", len(ranked)),
	)
	return ranked, nil
}

// Sort scores deals and orders them by ascending score, newest first on ties.
func Sort(deals []model.Deal) []RankedDeal {
	out := make([]RankedDeal, len(deals))
	for i, d := range deals {
		sc := Score(d.Price)
		out[i] = RankedDeal{Deal: d, score: sc}
		if !math.IsInf(sc, 1) {
			v := sc
			out[i].UnitPrice = &v
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SavePreferences validates and stores a subscriber's preferences. Zip and
// radius are stored but not used for ranking.
func (s *Service) SavePreferences(ctx context.Context, sub *model.Subscriber) error {
	const op = "ranking.save_preferences"
	addr, err := NormalizeEmail(sub.Email)
	if err != nil {
		return err
	}
	sub.Email = addr

	cats := make([]model.Category, 0, len(sub.Categories))
	for _, c := range sub.Categories {
		parsed, ok := model.ParseCategory(string(c))
		if !ok {
			return apperr.New(apperr.KindValidation, op, "unknown category %q", c)
		}
		cats = append(cats, parsed)
	}
	sub.Categories = cats

	brands := make([]string, 0, len(sub.Brands))
	for _, b := range sub.Brands {
		if b = strings.TrimSpace(b); b != "" {
			brands = append(brands, b)
		}
	}
	sub.Brands = brands

	if sub.RadiusMiles < 0 {
		return apperr.New(apperr.KindValidation, op, "radius_miles must not be negative")
	}
	if err := s.catalog.UpsertSubscriber(ctx, sub); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return nil
}

// NormalizeEmail validates an address and returns it lowercased.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.New(apperr.KindValidation, "ranking", "invalid email %q", email)
	}
	return strings.ToLower(addr.Address), nil
}

// ValidateDate checks a YYYY-MM-DD calendar date.
func ValidateDate(date string) error {
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return apperr.New(apperr.KindValidation, "ranking", "invalid date %q, want YYYY-MM-DD", date)
	}
	return nil
}
