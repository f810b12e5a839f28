package extraction

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/pipeline"
	"github.com/studygraph/backend/pkg/logger"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// maxFetchBytes caps how much of a remote document we will read.
const maxFetchBytes = 20 << 20

func copyBounded(dst *strings.Builder, src io.Reader) (int64, error) {
	return io.Copy(dst, io.LimitReader(src, maxFetchBytes))
}

// LocalExtractor handles text, markdown, and HTML without an external
// scraper. Binary formats are rejected; configure the scraper service for
// those.
type LocalExtractor struct {
	httpClient *http.Client
}

func NewLocalExtractor() *LocalExtractor {
	return &LocalExtractor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *LocalExtractor) ExtractURL(ctx context.Context, rawURL string) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, pipeline.NewValidationError("url", "must be an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/html, text/plain")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.NewUpstreamError("fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, pipeline.NewUpstreamError("fetch", fmt.Errorf("GET %s returned %d", rawURL, resp.StatusCode))
	}

	contentType := normalizeContentType(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = "text/html"
	}

	var buf strings.Builder
	if _, err := copyBounded(&buf, resp.Body); err != nil {
		return nil, pipeline.NewUpstreamError("fetch", err)
	}

	return l.extract(contentType, buf.String())
}

func (l *LocalExtractor) ExtractBytes(ctx context.Context, contentType, filename string, data []byte) (*Result, error) {
	ct := normalizeContentType(contentType)
	if ct == "" {
		ct = guessByExtension(filename)
	}
	return l.extract(ct, string(data))
}

func (l *LocalExtractor) extract(contentType, body string) (*Result, error) {
	if !localTypes[contentType] {
		return nil, unsupportedType(contentType)
	}

	switch contentType {
	case "text/html":
		return extractHTML(body)
	default:
		text := strings.TrimSpace(body)
		result := &Result{Text: text, ContentType: contentType}
		if text == "" {
			result.Warnings = append(result.Warnings, "document contains no text")
		}
		return result, nil
	}
}

func extractHTML(html string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	result := &Result{Text: text, Title: title, ContentType: "text/html"}
	if text == "" {
		result.Warnings = append(result.Warnings, "document contains no text")
		logger.Debug("HTML document produced no text", zap.String("title", title))
	}
	return result, nil
}

func guessByExtension(filename string) string {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".md"), strings.HasSuffix(name, ".markdown"):
		return "text/markdown"
	case strings.HasSuffix(name, ".html"), strings.HasSuffix(name, ".htm"):
		return "text/html"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain"
	}
	return "application/octet-stream"
}
