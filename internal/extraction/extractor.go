package extraction

import (
	"context"
	"strings"

	"github.com/studygraph/backend/internal/pipeline"
)

// Result is the text extracted from one source document.
type Result struct {
	Text        string   `json:"text"`
	Title       string   `json:"title,omitempty"`
	ContentType string   `json:"content_type"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Extractor turns a URL or an uploaded document into plain text.
type Extractor interface {
	ExtractURL(ctx context.Context, url string) (*Result, error)
	ExtractBytes(ctx context.Context, contentType, filename string, data []byte) (*Result, error)
}

// supported content types when no scraper service is configured. The
// scraper handles a wider set (PDF, DOCX) on our behalf.
var localTypes = map[string]bool{
	"text/plain":    true,
	"text/markdown": true,
	"text/html":     true,
}

func normalizeContentType(contentType string) string {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func unsupportedType(contentType string) error {
	return pipeline.NewValidationError("content_type", "unsupported content type "+contentType)
}
