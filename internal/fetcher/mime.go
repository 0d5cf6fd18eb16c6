package fetcher

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Media types the pipeline distinguishes.
const (
	MIMEPDF  = "application/pdf"
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEWebP = "image/webp"
	MIMEGIF  = "image/gif"
	MIMEHTML = "text/html"
)

var extToMIME = map[string]string{
	".pdf":  MIMEPDF,
	".png":  MIMEPNG,
	".jpg":  MIMEJPEG,
	".jpeg": MIMEJPEG,
	".webp": MIMEWebP,
	".gif":  MIMEGIF,
	".html": MIMEHTML,
	".htm":  MIMEHTML,
}

var mimeToExt = map[string]string{
	MIMEPDF:  "pdf",
	MIMEPNG:  "png",
	MIMEJPEG: "jpg",
	MIMEWebP: "webp",
	MIMEGIF:  "gif",
	MIMEHTML: "html",
}

// DetectMIME classifies a download: URL path suffix first, then the declared
// Content-Type, then content sniffing.
func DetectMIME(rawURL, contentType string, body []byte) string {
	if u, err := url.Parse(rawURL); err == nil {
		if m, ok := extToMIME[strings.ToLower(path.Ext(u.Path))]; ok {
			return m
		}
	}
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if len(body) > 0 {
		mt, _, _ := mime.ParseMediaType(http.DetectContentType(body))
		return mt
	}
	return "application/octet-stream"
}

// Extension returns the storage file extension for a media type.
func Extension(mimeType string) string {
	if ext, ok := mimeToExt[mimeType]; ok {
		return ext
	}
	return "bin"
}

// IsImage reports whether mimeType is an image type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
