package quality

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/model"
)

const (
	DefaultMinConfidence = 0.5
	DefaultMaxPrice      = 1000
)

// Decision is the gate's verdict on one candidate.
type Decision string

const (
	DecisionAccepted      Decision = "accepted"
	DecisionLowConfidence Decision = "low_confidence"
	DecisionDuplicate     Decision = "duplicate"
)

// FingerprintChecker reports whether a deal fingerprint already exists for a date.
type FingerprintChecker interface {
	DealFingerprintExists(ctx context.Context, date, fingerprint string) (bool, error)
}

// Outcome is the verdict for a single candidate.
type Outcome struct {
	Candidate   model.Candidate
	Fingerprint string
	Decision    Decision
	NeedsReview bool
	Reasons     []string
}

// Result groups the outcomes of one document's candidates.
type Result struct {
	Accepted      []Outcome
	LowConfidence []model.Candidate
	Duplicates    int
}

// Gate applies the acceptance rules in order: confidence floor, review
// heuristics, then catalog and in-batch duplicate checks.
type Gate struct {
	catalog       FingerprintChecker
	minConfidence float64
	maxPrice      float64
}

// NewGate creates a Gate. Zero thresholds use the defaults.
func NewGate(catalog FingerprintChecker, minConfidence, maxPrice float64) *Gate {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if maxPrice <= 0 {
		maxPrice = DefaultMaxPrice
	}
	return &Gate{catalog: catalog, minConfidence: minConfidence, maxPrice: maxPrice}
}

// MinConfidence is the floor below which candidates are aggregated.
func (g *Gate) MinConfidence() float64 { return g.minConfidence }

// Evaluate classifies candidates for one dispensary and date. Only a
// catalog lookup failure returns an error.
func (g *Gate) Evaluate(ctx context.Context, dispensaryID, date string, candidates []model.Candidate) (*Result, error) {
	res := &Result{}
	seen := make(map[string]bool, len(candidates))

	for _, c := range candidates {
		if c.Confidence < g.minConfidence {
			res.LowConfidence = append(res.LowConfidence, c)
			continue
		}

		out, err := g.check(ctx, dispensaryID, date, c, seen)
		if err != nil {
			return nil, err
		}
		if out.Decision == DecisionDuplicate {
			res.Duplicates++
			continue
		}
		out.Reasons = g.reviewReasons(c)
		out.NeedsReview = len(out.Reasons) > 0
		res.Accepted = append(res.Accepted, out)
	}

	zap.L().Debug("quality: evaluated candidates",
		zap.String("dispensary", dispensaryID),
		zap.Int("accepted", len(res.Accepted)),
		zap.Int("low_confidence", len(res.LowConfidence)),
		zap.Int("duplicates", res.Duplicates),
	)
	return res, nil
}

// EvaluateSummary runs only the duplicate check. Summary deals carry no
// extracted confidence and are never flagged.
func (g *Gate) EvaluateSummary(ctx context.Context, dispensaryID, date string, c model.Candidate) (Outcome, error) {
	return g.check(ctx, dispensaryID, date, c, map[string]bool{})
}

func (g *Gate) check(ctx context.Context, dispensaryID, date string, c model.Candidate, seen map[string]bool) (Outcome, error) {
	fp := Fingerprint(dispensaryID, date, c.Category, c.Title, c.Price)
	out := Outcome{Candidate: c, Fingerprint: fp, Decision: DecisionAccepted}

	if seen[fp] {
		out.Decision = DecisionDuplicate
		return out, nil
	}
	seen[fp] = true

	exists, err := g.catalog.DealFingerprintExists(ctx, date, fp)
	if err != nil {
		return out, apperr.Wrap(apperr.KindPersistence, "quality.check", err)
	}
	if exists {
		out.Decision = DecisionDuplicate
	}
	return out, nil
}

var (
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
	promoKeywords = regexp.MustCompile(`(?i)\b(bogo|free|off|buy\s+\d+|get\s+\d+|half)\b`)
)

// Titles shorter than this with no brand or product are too vague to rank.
const minProductWords = 3

func (g *Gate) reviewReasons(c model.Candidate) []string {
	var reasons []string
	if strings.TrimSpace(c.ProductName) == "" && strings.TrimSpace(c.Brand) == "" &&
		len(strings.Fields(c.Title)) < minProductWords {
		reasons = append(reasons, model.ReasonMissingProduct)
	}
	if g.suspiciousPrice(c.Price) {
		reasons = append(reasons, model.ReasonSuspiciousPrice)
	}
	return reasons
}

// suspiciousPrice flags prices with no figures or promo wording, a zero
// amount, or an amount above the configured ceiling.
func (g *Gate) suspiciousPrice(price string) bool {
	nums := numberPattern.FindAllString(price, -1)
	if len(nums) == 0 {
		return !promoKeywords.MatchString(price)
	}
	for _, n := range nums {
		v, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return true
		}
		if v > g.maxPrice {
			return true
		}
	}
	if strings.Contains(price, "$") {
		if v, _ := strconv.ParseFloat(nums[len(nums)-1], 64); v == 0 {
			return true
		}
	}
	return false
}

// FlagsFor builds review flags for an inserted deal.
func FlagsFor(dealID string, reasons []string) []model.ReviewFlag {
	out := make([]model.ReviewFlag, len(reasons))
	for i, r := range reasons {
		out[i] = model.ReviewFlag{DealID: dealID, Reason: r}
	}
	return out
}

// Summary returns the single placeholder deal for a document whose deals
// could not be extracted.
func Summary(dispensaryName string) model.Candidate {
	return model.Candidate{
		Category:   model.CategoryOther,
		Title:      fmt.Sprintf("Current deals at %s", dispensaryName),
		Price:      model.SummaryPrice,
		Confidence: 0,
	}
}

// AggregateLowConfidence folds low-confidence candidates into one summary
// deal carrying the highest member confidence. It returns false when there
// is nothing to aggregate.
func AggregateLowConfidence(dispensaryName string, lows []model.Candidate) (model.Candidate, bool) {
	if len(lows) == 0 {
		return model.Candidate{}, false
	}
	var maxConf float64
	for _, c := range lows {
		maxConf = max(maxConf, c.Confidence)
	}
	noun := "offers"
	if len(lows) == 1 {
		noun = "offer"
	}
	return model.Candidate{
		Category:   model.CategoryOther,
		Title:      fmt.Sprintf("More deals at %s (%d unverified %s)", dispensaryName, len(lows), noun),
		Price:      model.SummaryPrice,
		Confidence: maxConf,
	}, true
}
