package model

import (
	"strings"
	"time"
)

// Category is the closed set of deal categories.
type Category string

const (
	CategoryFlower       Category = "flower"
	CategoryPreRolls     Category = "prerolls"
	CategoryVapes        Category = "vapes"
	CategoryEdibles      Category = "edibles"
	CategoryConcentrates Category = "concentrates"
	CategoryTinctures    Category = "tinctures"
	CategoryTopicals     Category = "topicals"
	CategoryAccessories  Category = "accessories"
	CategoryOther        Category = "other"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryFlower,
	CategoryPreRolls,
	CategoryVapes,
	CategoryEdibles,
	CategoryConcentrates,
	CategoryTinctures,
	CategoryTopicals,
	CategoryAccessories,
	CategoryOther,
}

// CategoryNames returns the categories as plain strings (for prompts and schemas).
func CategoryNames() []string {
	out := make([]string, len(Categories))
	for i, c := range Categories {
		out[i] = string(c)
	}
	return out
}

// Valid reports whether c is a member of the enumeration.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory normalizes s and returns the matching category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// SummaryPrice is the price text carried by every summary deal.
const SummaryPrice = "See flyer for details"

// Deal is one promotional offer in the catalog.
type Deal struct {
	ID               string    `json:"id"`
	DispensaryID     string    `json:"dispensary_id"`
	City             string    `json:"city,omitempty"`
	Date             string    `json:"date"`
	Category         Category  `json:"category"`
	Title            string    `json:"title"`
	ProductName      string    `json:"product_name,omitempty"`
	Price            string    `json:"price"`
	BrandID          *string   `json:"brand_id,omitempty"`
	BrandName        string    `json:"brand_name,omitempty"`
	Confidence       float64   `json:"confidence"`
	Fingerprint      string    `json:"fingerprint"`
	NeedsReview      bool      `json:"needs_review"`
	SourceURL        string    `json:"source_url"`
	SourceDocumentID *string   `json:"source_document_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Candidate is an unvalidated deal as returned by the structured extractor.
type Candidate struct {
	Category    Category `json:"category"`
	Title       string   `json:"title"`
	Brand       string   `json:"brand,omitempty"`
	ProductName string   `json:"product_name,omitempty"`
	Price       string   `json:"price"`
	Confidence  float64  `json:"confidence"`
}

// Review reason codes.
const (
	ReasonMissingProduct  = "missing_product"
	ReasonSuspiciousPrice = "suspicious_price"
)

// ReviewFlag marks a deal for human verification.
type ReviewFlag struct {
	ID        string    `json:"id"`
	DealID    string    `json:"deal_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
