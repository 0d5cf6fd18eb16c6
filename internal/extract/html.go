package extract

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rotisserie/eris"
)

// noiseSelectors are elements that never carry deal text.
var noiseSelectors = []string{
	"script", "style", "noscript",
	"nav", "footer",
	"iframe", "video", "audio",
	"svg", "canvas",
	"form", "button", "input", "select", "textarea",
	".cookie-banner", ".age-gate", ".newsletter",
}

var sanitizer = bluemonday.UGCPolicy()

// HTMLToText reduces an untrusted dispensary page to Markdown suitable for
// the extraction prompt. Noise is stripped with goquery, the remainder is
// sanitised, then converted to Markdown. When conversion fails or yields
// nothing, the plain document text is returned instead.
func HTMLToText(raw string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", eris.Wrap(err, "extract: parse html")
	}
	for _, sel := range noiseSelectors {
		doc.Find(sel).Remove()
	}

	content := doc.Find("main").First()
	if content.Length() == 0 {
		content = doc.Find("body").First()
	}
	if content.Length() == 0 {
		content = doc.Selection
	}

	fragment, err := goquery.OuterHtml(content)
	if err != nil {
		return "", eris.Wrap(err, "extract: serialize html")
	}

	md, err := htmltomarkdown.ConvertString(sanitizer.Sanitize(fragment))
	if err == nil && strings.TrimSpace(md) != "" {
		return strings.TrimSpace(md), nil
	}

	return collapseLines(content.Text()), nil
}

// PageTitle returns the document's <title>, if any.
func PageTitle(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
