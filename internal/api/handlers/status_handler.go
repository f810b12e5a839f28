package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/ingestion"
	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/internal/storage/models"
	"github.com/studygraph/backend/pkg/logger"
)

const jobSnapshotTTL = time.Hour

// JobCache holds terminal job snapshots. Only terminal jobs are cached, and
// terminal jobs never change, so there is nothing to invalidate. Optional;
// nil disables caching.
type JobCache interface {
	GetJobStatus(ctx context.Context, jobID string) (*models.JobSnapshot, bool, error)
	SetJobStatus(ctx context.Context, jobID string, snap *models.JobSnapshot, ttl time.Duration) error
}

type StatusHandler struct {
	jobs  ingestion.JobStore
	cache JobCache
}

func NewStatusHandler(jobs ingestion.JobStore, cache JobCache) *StatusHandler {
	return &StatusHandler{
		jobs:  jobs,
		cache: cache,
	}
}

// HandleGetJob returns the job record with its aggregate chunk and graph
// counts. Counts come from persisted state, not the event stream; finished
// jobs are served read-through from the snapshot cache.
func (h *StatusHandler) HandleGetJob(c *fiber.Ctx) error {
	jobID := c.Params("id")

	if h.cache != nil {
		snap, ok, err := h.cache.GetJobStatus(c.Context(), jobID)
		if err != nil {
			logger.Debug("Job cache read failed", zap.String("job_id", jobID), zap.Error(err))
		}
		if ok {
			metrics.CacheHits.WithLabelValues("job_status").Inc()
			return c.JSON(jobStatusResponse(&snap.Job, &snap.Counts))
		}
		metrics.CacheMisses.WithLabelValues("job_status").Inc()
	}

	job, err := h.jobs.GetJob(jobID)
	if err != nil {
		return writeError(c, err)
	}
	if job == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job not found",
		})
	}

	counts, err := h.jobs.JobCounts(job.ID)
	if err != nil {
		return writeError(c, err)
	}
	if counts == nil {
		counts = &models.JobCounts{}
	}

	if h.cache != nil && job.Status.Terminal() {
		snap := &models.JobSnapshot{Job: *job, Counts: *counts}
		if err := h.cache.SetJobStatus(c.Context(), job.ID, snap, jobSnapshotTTL); err != nil {
			logger.Debug("Job cache write failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	return c.JSON(jobStatusResponse(job, counts))
}

func jobStatusResponse(job *models.IngestionJob, counts *models.JobCounts) fiber.Map {
	resp := jobResponse(job)
	resp["updated_at"] = job.UpdatedAt
	if job.Error != "" {
		resp["error"] = job.Error
	}
	resp["counts"] = fiber.Map{
		"chunks_total":     counts.ChunksTotal,
		"chunks_succeeded": counts.ChunksSucceeded,
		"chunks_failed":    counts.ChunksFailed,
		"nodes_created":    counts.NodesCreated,
		"edges_created":    counts.EdgesCreated,
	}
	return resp
}

func (h *StatusHandler) HandleListChunks(c *fiber.Ctx) error {
	jobID := c.Params("id")

	job, err := h.jobs.GetJob(jobID)
	if err != nil {
		return writeError(c, err)
	}
	if job == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job not found",
		})
	}

	chunks, err := h.jobs.ListChunks(jobID)
	if err != nil {
		return writeError(c, err)
	}

	out := make([]fiber.Map, 0, len(chunks))
	for _, chunk := range chunks {
		entry := fiber.Map{
			"chunk_id":       chunk.ID,
			"sequence_index": chunk.SequenceIndex,
			"token_count":    chunk.TokenCount,
			"status":         string(chunk.Status),
			"has_embedding":  len(chunk.Embedding) > 0,
		}
		if chunk.EmbedError != "" {
			entry["embed_error"] = chunk.EmbedError
		}
		if chunk.ExtractError != "" {
			entry["extract_error"] = chunk.ExtractError
		}
		out = append(out, entry)
	}

	return c.JSON(fiber.Map{
		"job_id": jobID,
		"chunks": out,
	})
}
