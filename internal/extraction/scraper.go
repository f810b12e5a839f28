package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/internal/pipeline"
	"github.com/studygraph/backend/pkg/circuitbreaker"
	"github.com/studygraph/backend/pkg/logger"
	"github.com/studygraph/backend/pkg/retry"
)

// ScraperClient talks to the external scraper service, which fetches URLs
// and converts documents (HTML, PDF, DOCX) to plain text.
type ScraperClient struct {
	baseURL     string
	httpClient  *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type ScraperConfig struct {
	BaseURL string
	Timeout time.Duration
}

func NewScraperClient(cfg ScraperConfig) *ScraperClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &ScraperClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		cb: circuitbreaker.NewCircuitBreaker("scraper", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   time.Second,
			MaxDelay:       10 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

type scrapeURLRequest struct {
	URL string `json:"url"`
}

func (s *ScraperClient) ExtractURL(ctx context.Context, url string) (*Result, error) {
	body, err := json.Marshal(scrapeURLRequest{URL: url})
	if err != nil {
		return nil, fmt.Errorf("failed to encode scrape request: %w", err)
	}
	return s.call(ctx, s.baseURL+"/v1/extract", "application/json", body)
}

func (s *ScraperClient) ExtractBytes(ctx context.Context, contentType, filename string, data []byte) (*Result, error) {
	ct := normalizeContentType(contentType)
	if ct == "" {
		ct = guessByExtension(filename)
	}
	return s.call(ctx, s.baseURL+"/v1/extract/file", ct, data)
}

// call posts to the scraper behind the breaker. Client errors (4xx) are not
// retried: the document itself is the problem.
func (s *ScraperClient) call(ctx context.Context, endpoint, contentType string, body []byte) (*Result, error) {
	var result *Result

	err := s.cb.Execute(ctx, func() error {
		return retry.Do(ctx, s.retryConfig, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to build scrape request: %w", err)
			}
			req.Header.Set("Content-Type", contentType)

			resp, err := s.httpClient.Do(req)
			if err != nil {
				metrics.ScraperRequests.WithLabelValues("error").Inc()
				return pipeline.NewUpstreamError("scraper", err)
			}
			defer resp.Body.Close()

			payload, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				metrics.ScraperRequests.WithLabelValues("error").Inc()
				return pipeline.NewUpstreamError("scraper", err)
			}

			switch {
			case resp.StatusCode >= 500:
				metrics.ScraperRequests.WithLabelValues("server_error").Inc()
				return pipeline.NewUpstreamError("scraper", fmt.Errorf("scraper returned %d: %s", resp.StatusCode, truncate(payload, 200)))
			case resp.StatusCode == http.StatusUnsupportedMediaType:
				metrics.ScraperRequests.WithLabelValues("rejected").Inc()
				return retry.Permanent(unsupportedType(contentType))
			case resp.StatusCode >= 400:
				metrics.ScraperRequests.WithLabelValues("rejected").Inc()
				return retry.Permanent(pipeline.NewValidationError("document", fmt.Sprintf("scraper rejected input: %s", truncate(payload, 200))))
			}

			var out Result
			if err := json.Unmarshal(payload, &out); err != nil {
				metrics.ScraperRequests.WithLabelValues("error").Inc()
				return pipeline.NewUpstreamError("scraper", fmt.Errorf("malformed scraper response: %w", err))
			}

			metrics.ScraperRequests.WithLabelValues("success").Inc()
			result = &out
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Scraper extraction completed",
		zap.String("content_type", result.ContentType),
		zap.Int("chars", len(result.Text)),
	)
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
