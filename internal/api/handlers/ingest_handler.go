package handlers

import (
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/ingestion"
	"github.com/studygraph/backend/internal/pipeline"
	"github.com/studygraph/backend/internal/storage/models"
	"github.com/studygraph/backend/pkg/logger"
)

type IngestHandler struct {
	coordinator *ingestion.Coordinator
}

func NewIngestHandler(coordinator *ingestion.Coordinator) *IngestHandler {
	return &IngestHandler{
		coordinator: coordinator,
	}
}

// HandleIngest accepts either a JSON body with a url field or a multipart
// upload with a file field, and responds 202 with the created job.
func (h *IngestHandler) HandleIngest(c *fiber.Ctx) error {
	req, err := h.buildRequest(c)
	if err != nil {
		return writeError(c, err)
	}

	job, err := h.coordinator.Submit(c.Context(), req)
	if err != nil {
		logger.Error("Failed to submit ingestion job", zap.Error(err))
		return writeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(jobResponse(job))
}

func (h *IngestHandler) buildRequest(c *fiber.Ctx) (ingestion.SubmitRequest, error) {
	req := ingestion.SubmitRequest{OwnerID: c.Get("X-Owner-ID")}

	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return req, pipeline.NewValidationError("file", "could not open upload")
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return req, pipeline.NewValidationError("file", "could not read upload")
		}

		req.Data = data
		req.Filename = file.Filename
		req.ContentType = file.Header.Get("Content-Type")
		return req, nil
	}

	var body struct {
		URL     string `json:"url"`
		OwnerID string `json:"owner_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return req, pipeline.NewValidationError("body", "expected a JSON body or a multipart file upload")
	}

	req.URL = body.URL
	if body.OwnerID != "" {
		req.OwnerID = body.OwnerID
	}
	return req, nil
}

func (h *IngestHandler) HandleCancel(c *fiber.Ctx) error {
	jobID := c.Params("id")

	if err := h.coordinator.Cancel(jobID); err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"job_id":    jobID,
		"cancelled": true,
	})
}

func (h *IngestHandler) HandleReprocess(c *fiber.Ctx) error {
	jobID := c.Params("id")

	job, err := h.coordinator.Reprocess(c.Context(), jobID)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(jobResponse(job))
}

func jobResponse(job *models.IngestionJob) fiber.Map {
	return fiber.Map{
		"job_id":         job.ID,
		"source":         string(job.Source),
		"source_locator": job.SourceLocator,
		"status":         string(job.Status),
		"retry_count":    job.RetryCount,
		"created_at":     job.CreatedAt,
	}
}

// writeError maps the pipeline error taxonomy to HTTP statuses.
func writeError(c *fiber.Ctx, err error) error {
	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": verr.Error(),
			"field": verr.Field,
		})
	}

	var uerr *pipeline.UpstreamServiceError
	if errors.As(err, &uerr) {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Upstream service unavailable",
		})
	}

	logger.Error("Request failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}
