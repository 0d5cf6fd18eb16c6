// Package fetcher downloads source documents (flyer images, PDFs and
// dispensary web pages) over HTTP.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Response is a fully-read download.
type Response struct {
	URL         string
	Body        []byte
	ContentType string
	StatusCode  int
}

// Hash returns the hex SHA-256 of the raw body bytes.
func (r *Response) Hash() string {
	return ContentHash(r.Body)
}

// ContentHash returns the hex SHA-256 of b.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Fetcher retrieves remote content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}
