// Package brand resolves free-text brand mentions to registry entries.
package brand

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/model"
)

// Registry is the brand storage the resolver reads and extends.
type Registry interface {
	FindBrandByName(ctx context.Context, name string) (*model.Brand, error)
	CreateBrand(ctx context.Context, name string) (*model.Brand, error)
	ListBrands(ctx context.Context) ([]model.Brand, error)
}

// Resolution is the outcome of resolving one deal's brand. BrandID is nil
// for unbranded deals.
type Resolution struct {
	BrandID   *string
	BrandName string
	Title     string
}

// placeholder values models emit instead of leaving brand empty.
var junkBrands = map[string]bool{
	"n/a": true, "na": true, "none": true, "unknown": true, "null": true,
	"various": true, "assorted": true, "all": true, "all brands": true,
	"-": true,
}

// Resolver caches the registry in memory. It is safe for concurrent use.
type Resolver struct {
	reg Registry

	mu     sync.RWMutex
	byKey  map[string]model.Brand
	loaded bool
}

// NewResolver creates a Resolver over reg.
func NewResolver(reg Registry) *Resolver {
	return &Resolver{reg: reg, byKey: make(map[string]model.Brand)}
}

// Resolve maps an explicit brand (find or create) or, failing that, a known
// brand at the start of the title. The returned title has the brand removed.
func (r *Resolver) Resolve(ctx context.Context, explicit, title string) (Resolution, error) {
	explicit = strings.TrimSpace(explicit)
	title = strings.TrimSpace(title)

	if explicit != "" && !junkBrands[model.BrandKey(explicit)] {
		b, err := r.findOrCreate(ctx, explicit)
		if err != nil {
			return Resolution{Title: title}, err
		}
		return resolution(b, title), nil
	}

	if err := r.load(ctx); err != nil {
		return Resolution{Title: title}, err
	}
	if b, ok := r.matchPrefix(title); ok {
		return resolution(b, title), nil
	}
	return Resolution{Title: title}, nil
}

// Known returns the number of cached brands.
func (r *Resolver) Known() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

func (r *Resolver) findOrCreate(ctx context.Context, name string) (model.Brand, error) {
	key := model.BrandKey(name)

	r.mu.RLock()
	b, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	found, err := r.reg.FindBrandByName(ctx, name)
	if err != nil {
		return model.Brand{}, eris.Wrapf(err, "brand: find %q", name)
	}
	if found == nil {
		found, err = r.reg.CreateBrand(ctx, name)
		if err != nil {
			return model.Brand{}, eris.Wrapf(err, "brand: create %q", name)
		}
		zap.L().Info("brand: registered new brand", zap.String("brand", found.Name))
	}

	r.mu.Lock()
	r.byKey[key] = *found
	r.mu.Unlock()
	return *found, nil
}

func (r *Resolver) load(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	brands, err := r.reg.ListBrands(ctx)
	if err != nil {
		return eris.Wrap(err, "brand: list brands")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range brands {
		if _, ok := r.byKey[model.BrandKey(b.Name)]; !ok {
			r.byKey[model.BrandKey(b.Name)] = b
		}
	}
	r.loaded = true
	return nil
}

// matchPrefix finds the longest known brand that opens the title on a word
// boundary.
func (r *Resolver) matchPrefix(title string) (model.Brand, bool) {
	norm := model.NormalizeText(title)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best    model.Brand
		bestLen int
	)
	for key, b := range r.byKey {
		if len(key) <= bestLen || !strings.HasPrefix(norm, key) {
			continue
		}
		if len(norm) > len(key) {
			next, _ := utf8.DecodeRuneInString(norm[len(key):])
			if unicode.IsLetter(next) || unicode.IsDigit(next) {
				continue
			}
		}
		best, bestLen = b, len(key)
	}
	return best, bestLen > 0
}

func resolution(b model.Brand, title string) Resolution {
	id := b.ID
	return Resolution{BrandID: &id, BrandName: b.Name, Title: StripBrand(title, b.Name)}
}

const separators = " -:|,\u2013\u2014\u00b7"

// StripBrand removes the first case-insensitive occurrence of brand from
// title along with adjoining separators. The original title is kept when
// nothing would remain.
func StripBrand(title, brand string) string {
	brand = strings.TrimSpace(brand)
	if brand == "" {
		return title
	}
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(brand))
	if err != nil {
		return title
	}
	loc := re.FindStringIndex(title)
	if loc == nil {
		return title
	}
	before := strings.TrimRight(title[:loc[0]], separators)
	after := strings.TrimLeft(title[loc[1]:], separators)

	var out string
	switch {
	case before == "":
		out = after
	case after == "":
		out = before
	default:
		out = before + " " + after
	}
	out = strings.Join(strings.Fields(out), " ")
	if out == "" {
		return title
	}
	return out
}
