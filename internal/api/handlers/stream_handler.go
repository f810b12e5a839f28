package handlers

import (
	"bufio"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/events"
	"github.com/studygraph/backend/internal/ingestion"
	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/pkg/logger"
)

// EventLog is the persisted event store used for replay once a job's live
// stream is gone.
type EventLog interface {
	ListEvents(jobID string, fromSeq uint64) ([]events.Event, error)
}

type StreamHandler struct {
	bus  *events.Bus
	jobs ingestion.JobStore
	log  EventLog
}

func NewStreamHandler(bus *events.Bus, jobs ingestion.JobStore, log EventLog) *StreamHandler {
	return &StreamHandler{
		bus:  bus,
		jobs: jobs,
		log:  log,
	}
}

// HandleStream serves a job's progress events as NDJSON, starting at
// from_seq (inclusive) and following live until the terminal event. For
// finished jobs the stream replays from the durable log and ends. A client
// disconnect stops the stream but never the job.
func (h *StreamHandler) HandleStream(c *fiber.Ctx) error {
	jobID := c.Params("id")
	fromSeq := uint64(c.QueryInt("from_seq", 0))

	job, err := h.jobs.GetJob(jobID)
	if err != nil {
		return writeError(c, err)
	}
	if job == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job not found",
		})
	}

	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Set(fiber.HeaderCacheControl, "no-cache")

	backlog, live, cancelSub, err := h.bus.Subscribe(jobID, fromSeq)
	if errors.Is(err, events.ErrNoStream) {
		stored, err := h.log.ListEvents(jobID, fromSeq)
		if err != nil {
			return writeError(c, err)
		}
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			for _, ev := range stored {
				if writeEvent(w, ev) != nil {
					return
				}
			}
		})
		return nil
	}
	if err != nil {
		return writeError(c, err)
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancelSub()
		metrics.StreamSubscribers.Inc()
		defer metrics.StreamSubscribers.Dec()

		for _, ev := range backlog {
			if writeEvent(w, ev) != nil {
				return
			}
		}
		for ev := range live {
			if writeEvent(w, ev) != nil {
				return
			}
			if ev.Kind.Terminal() {
				return
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Failed to encode event", zap.Error(err))
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
