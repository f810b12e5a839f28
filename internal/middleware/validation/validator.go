package validation

import (
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware performs cheap request screening before the ingest handler
// runs: request content types, body size, and URL shape for JSON submits.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 20 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data", "text/plain", "text/markdown", "text/html"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := c.Get("Content-Type")
		if contentType != "" {
			allowed := false
			for _, allowedType := range cfg.AllowedContentTypes {
				if strings.Contains(contentType, allowedType) {
					allowed = true
					break
				}
			}
			if !allowed {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		if len(c.Body()) > cfg.MaxDocumentSize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Document exceeds size limit",
			})
		}

		if strings.HasSuffix(c.Path(), "/ingest") && strings.Contains(contentType, "application/json") {
			var req struct {
				URL string `json:"url"`
			}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}
			if req.URL != "" {
				parsed, err := url.Parse(req.URL)
				if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
					if cfg.Logger != nil {
						cfg.Logger.Warn("Rejected malformed ingest URL", zap.String("url", req.URL))
					}
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "url must be an absolute http(s) URL",
					})
				}
			}
		}

		return c.Next()
	}
}
