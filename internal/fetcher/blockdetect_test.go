package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dispensary-deals/internal/apperr"
)

func htmlHeader() http.Header {
	return http.Header{"Content-Type": {"text/html; charset=utf-8"}}
}

func TestDetectBlock(t *testing.T) {
	bigMenu := "<html><body>" + strings.Repeat("<p>Blue Dream 3.5g $25</p>", 1000) +
		`<form><div class="g-recaptcha"></div></form></body></html>`

	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   BlockType
	}{
		{"cloudflare 403 header", 403, http.Header{"Cf-Ray": {"abc123"}}, "", BlockCloudflare},
		{"cloudflare 503 server", 503, http.Header{"Server": {"cloudflare"}}, "", BlockCloudflare},
		{"challenge page", 200, htmlHeader(), "<html>Checking your browser before accessing</html>", BlockCloudflare},
		{"captcha page", 200, htmlHeader(), "<html><body>Please complete the reCAPTCHA to continue</body></html>", BlockCaptcha},
		{"js shell", 200, htmlHeader(), "<html><noscript>Enable JavaScript to view the menu</noscript></html>", BlockJSShell},
		{"meta refresh", 200, htmlHeader(), `<html><head><meta http-equiv="refresh" content="0;url=/age-gate"></head></html>`, BlockJSShell},
		{"large menu with captcha widget", 200, htmlHeader(), bigMenu, BlockNone},
		{"normal page", 200, htmlHeader(), "<html><body><h1>Weekly deals</h1><p>20% off edibles</p></body></html>", BlockNone},
		{"pdf mentioning captcha", 200, http.Header{"Content-Type": {"application/pdf"}}, "%PDF captcha", BlockNone},
		{"403 without cloudflare", 403, http.Header{}, "", BlockNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectBlock(tt.status, tt.header, []byte(tt.body)))
		})
	}
}

func TestFetch_BlockedPageIsDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>Checking your browser</html>")) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/deals")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDownload))
	assert.Contains(t, err.Error(), "cloudflare")
}

func TestFetch_Cloudflare403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-ray", "8a1b2c")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/flyer.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by cloudflare")
}
