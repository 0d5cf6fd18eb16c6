// Package quality decides which extracted candidates become catalog deals.
package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sells-group/dispensary-deals/internal/model"
)

// Fingerprint identifies a deal within a day: the hash of the normalized
// dispensary, date, category, title and price.
func Fingerprint(dispensaryID, date string, category model.Category, title, price string) string {
	parts := []string{
		model.NormalizeText(dispensaryID),
		strings.TrimSpace(date),
		model.NormalizeText(string(category)),
		model.NormalizeText(title),
		model.NormalizeText(price),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
