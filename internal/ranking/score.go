// Package ranking orders a day's deals for a subscriber by per-unit value.
package ranking

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	multiBuy    = regexp.MustCompile(`(?i)(\d+)\s*(?:/|for)\s*\$\s*(\d[\d,]*(?:\.\d+)?)`)
	firstNumber = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
)

// Score returns the per-unit value of a price expression; lower is better.
// "N/$M" (or "N for $M") scores M/N, anything else scores its first
// number, and text with no number scores +Inf.
func Score(price string) float64 {
	if m := multiBuy.FindStringSubmatch(price); m != nil {
		n, errN := parseNumber(m[1])
		total, errM := parseNumber(m[2])
		if errN == nil && errM == nil && n > 0 {
			return total / n
		}
	}
	if m := firstNumber.FindString(price); m != "" {
		if v, err := parseNumber(m); err == nil {
			return v
		}
	}
	return math.Inf(1)
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}
