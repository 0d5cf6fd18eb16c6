package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText folds s for comparison: NFKC, case folding, and runs of
// whitespace collapsed to a single space.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// BrandKey is the case-insensitive registry key for a brand display name.
func BrandKey(name string) string {
	return NormalizeText(name)
}
