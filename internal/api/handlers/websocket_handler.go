package handlers

import (
	"errors"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/events"
	"github.com/studygraph/backend/internal/ingestion"
	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/pkg/logger"
)

// WebSocketHandler mirrors the NDJSON progress stream over a websocket for
// clients that cannot consume chunked responses.
type WebSocketHandler struct {
	bus  *events.Bus
	jobs ingestion.JobStore
	log  EventLog
}

func NewWebSocketHandler(bus *events.Bus, jobs ingestion.JobStore, log EventLog) *WebSocketHandler {
	return &WebSocketHandler{
		bus:  bus,
		jobs: jobs,
		log:  log,
	}
}

// HandleConnection streams a job's events and closes after the terminal
// event. Expects job_id in the route params and from_seq in the query.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Params("id")
	fromSeq := parseSeq(c.Query("from_seq"))

	job, err := h.jobs.GetJob(jobID)
	if err != nil || job == nil {
		c.WriteJSON(map[string]string{"error": "Job not found"})
		return
	}

	logger.Info("WebSocket stream opened",
		zap.String("job_id", jobID),
		zap.Uint64("from_seq", fromSeq),
	)
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	backlog, live, cancelSub, err := h.bus.Subscribe(jobID, fromSeq)
	if errors.Is(err, events.ErrNoStream) {
		stored, lErr := h.log.ListEvents(jobID, fromSeq)
		if lErr != nil {
			c.WriteJSON(map[string]string{"error": "Failed to load events"})
			return
		}
		for _, ev := range stored {
			if c.WriteJSON(ev) != nil {
				return
			}
		}
		return
	}
	if err != nil {
		c.WriteJSON(map[string]string{"error": "Failed to subscribe"})
		return
	}
	defer cancelSub()

	for _, ev := range backlog {
		if c.WriteJSON(ev) != nil {
			return
		}
	}
	for ev := range live {
		if c.WriteJSON(ev) != nil {
			return
		}
		if ev.Kind.Terminal() {
			return
		}
	}
}

func parseSeq(raw string) uint64 {
	var seq uint64
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		seq = seq*10 + uint64(r-'0')
	}
	return seq
}
