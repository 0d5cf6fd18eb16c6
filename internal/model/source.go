// Package model holds the domain types shared across the ingestion pipeline,
// the catalog store and the ranking service.
package model

import (
	"regexp"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for deal and document dates.
const DateLayout = "2006-01-02"

// DateOf formats t as a calendar date in UTC.
func DateOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Dispensary is a retail location whose promotions are ingested.
type Dispensary struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	City       string `json:"city,omitempty" yaml:"city"`
	FlyerURL   string `json:"flyer_url,omitempty" yaml:"flyer_url"`
	WebsiteURL string `json:"website_url,omitempty" yaml:"website_url"`
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// DispensaryID derives a stable identifier from a dispensary name.
func DispensaryID(name string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-")
}

// Key returns the dispensary's identifier, deriving one from the name when unset.
func (d Dispensary) Key() string {
	if d.ID != "" {
		return d.ID
	}
	return DispensaryID(d.Name)
}

// SourceDocument is one fetched flyer for a dispensary on a given day.
type SourceDocument struct {
	ID             string     `json:"id"`
	DispensaryID   string     `json:"dispensary_id"`
	Date           string     `json:"date"`
	StoragePath    string     `json:"storage_path"`
	SourceURL      string     `json:"source_url"`
	ContentHash    string     `json:"content_hash"`
	MIMEType       string     `json:"mime_type"`
	DealsExtracted int        `json:"deals_extracted"`
	FetchedAt      time.Time  `json:"fetched_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// Brand is a canonical producer or label name.
type Brand struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscriber holds a subscriber's stored ranking preferences.
type Subscriber struct {
	Email       string     `json:"email"`
	Categories  []Category `json:"categories"`
	Brands      []string   `json:"brands"`
	Zip         string     `json:"zip,omitempty"`
	RadiusMiles int        `json:"radius_miles,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
