package fetcher

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot page a dispensary site served.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// Challenge pages are small; real menus with an embedded captcha widget
// on a newsletter form are not.
const challengePageMax = 16 << 10

// DetectBlock checks a response for signs of anti-bot protection. Only HTML
// bodies are inspected; flyers are never treated as blocked.
func DetectBlock(status int, header http.Header, body []byte) BlockType {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" ||
			strings.EqualFold(header.Get("server"), "cloudflare") {
			return BlockCloudflare
		}
	}

	if !strings.Contains(strings.ToLower(header.Get("Content-Type")), "html") {
		return BlockNone
	}
	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge-platform")) {
		return BlockCloudflare
	}

	if len(body) > challengePageMax {
		return BlockNone
	}
	if strings.Contains(lower, "captcha") {
		return BlockCaptcha
	}
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return BlockJSShell
		}
	}
	return BlockNone
}
