package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/embedding"
	"github.com/studygraph/backend/internal/events"
	"github.com/studygraph/backend/internal/extraction"
	"github.com/studygraph/backend/internal/kg/extract"
	"github.com/studygraph/backend/internal/kg/merge"
	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/internal/pipeline"
	"github.com/studygraph/backend/internal/storage/models"
	"github.com/studygraph/backend/internal/vector/milvus"
	"github.com/studygraph/backend/pkg/logger"
)

// JobStore is the persistence the coordinator needs. The sqlite client
// implements it; tests use an in-memory fake.
type JobStore interface {
	CreateJob(job *models.IngestionJob) error
	GetJob(id string) (*models.IngestionJob, error)
	UpdateJobStatus(id string, status models.JobStatus) error
	FailJob(id, reason string) error
	InsertChunks(chunks []models.Chunk) error
	MarkChunkEmbedded(id string, embedding []float32) error
	MarkChunkExtracted(id string) error
	MarkChunkEmbedFailed(id, reason string) error
	MarkChunkExtractFailed(id, reason string) error
	ListChunks(jobID string) ([]models.Chunk, error)
	AddGraphCounts(jobID string, nodes, edges int) error
	JobCounts(jobID string) (*models.JobCounts, error)
	AppendEvent(ev events.Event) error
}

// VectorIndex receives embedded chunks. Optional; nil disables indexing.
type VectorIndex interface {
	Insert(ctx context.Context, vectors []milvus.ChunkVector) error
}

// SubmitRequest describes one document to ingest. Exactly one of URL and
// Data is set.
type SubmitRequest struct {
	OwnerID     string
	URL         string
	Data        []byte
	ContentType string
	Filename    string
}

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	Workers      int
	MaxChunks    int
}

// Coordinator drives a submitted document through extraction, chunking,
// embedding, and graph building, publishing ordered progress events along
// the way. Each job runs on its own goroutine; chunk work fans out over a
// shared worker pool.
type Coordinator struct {
	jobs      JobStore
	extractor extraction.Extractor
	chunker   *Chunker
	embedders embedding.Selector
	graphExts []extract.Extractor
	merger    *merge.Engine
	bus       *events.Bus
	vectors   VectorIndex
	pool      *ants.Pool
	maxChunks int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewCoordinator(
	jobs JobStore,
	extractor extraction.Extractor,
	embedders embedding.Selector,
	graphExts []extract.Extractor,
	merger *merge.Engine,
	bus *events.Bus,
	vectors VectorIndex,
	cfg Config,
) (*Coordinator, error) {
	size := cfg.ChunkSize
	if size == 0 {
		size = DefaultChunkSize
	}
	overlap := cfg.ChunkOverlap
	if overlap == 0 {
		overlap = DefaultChunkOverlap
	}
	chunker, err := NewChunker(size, overlap)
	if err != nil {
		return nil, err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 2000
	}

	return &Coordinator{
		jobs:      jobs,
		extractor: extractor,
		chunker:   chunker,
		embedders: embedders,
		graphExts: graphExts,
		merger:    merger,
		bus:       bus,
		vectors:   vectors,
		pool:      pool,
		maxChunks: maxChunks,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Close waits for in-flight jobs and releases the worker pool.
func (c *Coordinator) Close() {
	c.wg.Wait()
	c.pool.Release()
}

// Submit validates the request, persists a new job, and starts processing
// in the background. The returned job is in the uploading state.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*models.IngestionJob, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.IngestionJob{
		ID:        uuid.New().String(),
		OwnerID:   req.OwnerID,
		Status:    models.JobUploading,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.URL != "" {
		job.Source = models.SourceURL
		job.SourceLocator = req.URL
	} else {
		job.Source = models.SourceUpload
		job.SourceLocator = req.Filename
	}

	if err := c.jobs.CreateJob(job); err != nil {
		return nil, pipeline.NewFatalError("create job", err)
	}

	c.bus.OpenStream(job.ID)
	c.publish(job.ID, events.KindJobCreated, events.JobCreatedPayload{
		Source:        string(job.Source),
		SourceLocator: job.SourceLocator,
	})

	c.start(job, req)

	logger.Info("Ingestion job submitted",
		zap.String("job_id", job.ID),
		zap.String("source", string(job.Source)),
		zap.String("locator", job.SourceLocator),
	)
	return job, nil
}

// Cancel requests that a running job stop at the next chunk boundary. Work
// already merged into the graph stays; there is no rollback.
func (c *Coordinator) Cancel(jobID string) error {
	c.mu.Lock()
	cancel, ok := c.cancels[jobID]
	c.mu.Unlock()
	if !ok {
		job, err := c.jobs.GetJob(jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return pipeline.NewValidationError("job_id", "unknown job")
		}
		return pipeline.NewValidationError("job_id", "job is not running")
	}

	cancel()
	logger.Info("Job cancellation requested", zap.String("job_id", jobID))
	return nil
}

// Reprocess creates a fresh job for a finished one's source. Upload bytes
// are not retained, so only URL jobs can be reprocessed.
func (c *Coordinator) Reprocess(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	prev, err := c.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, pipeline.NewValidationError("job_id", "unknown job")
	}
	if !prev.Status.Terminal() {
		return nil, pipeline.NewValidationError("job_id", "job is still running")
	}
	if prev.Source != models.SourceURL {
		return nil, pipeline.NewValidationError("job_id", "only URL jobs can be reprocessed")
	}

	now := time.Now().UTC()
	job := &models.IngestionJob{
		ID:            uuid.New().String(),
		OwnerID:       prev.OwnerID,
		Source:        models.SourceURL,
		SourceLocator: prev.SourceLocator,
		Status:        models.JobUploading,
		RetryCount:    prev.RetryCount + 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.jobs.CreateJob(job); err != nil {
		return nil, pipeline.NewFatalError("create job", err)
	}

	c.bus.OpenStream(job.ID)
	c.publish(job.ID, events.KindJobCreated, events.JobCreatedPayload{
		Source:        string(job.Source),
		SourceLocator: job.SourceLocator,
	})

	c.start(job, SubmitRequest{OwnerID: job.OwnerID, URL: job.SourceLocator})

	logger.Info("Job reprocessing started",
		zap.String("previous_job_id", jobID),
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
	)
	return job, nil
}

func (c *Coordinator) start(job *models.IngestionJob, req SubmitRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[job.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.cancels, job.ID)
			c.mu.Unlock()
			cancel()
			c.bus.DropStream(job.ID)
		}()
		c.run(ctx, job, req)
	}()
}

func validateSubmit(req SubmitRequest) error {
	if req.URL == "" && len(req.Data) == 0 {
		return pipeline.NewValidationError("source", "either url or document body is required")
	}
	if req.URL != "" && len(req.Data) > 0 {
		return pipeline.NewValidationError("source", "url and document body are mutually exclusive")
	}
	if req.URL != "" && !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return pipeline.NewValidationError("url", "must be an absolute http(s) URL")
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, job *models.IngestionJob, req SubmitRequest) {
	start := time.Now()

	status, err := c.process(ctx, job, req)
	if err != nil {
		reason := err.Error()
		if fErr := c.jobs.FailJob(job.ID, reason); fErr != nil {
			logger.Error("Failed to record job failure", zap.String("job_id", job.ID), zap.Error(fErr))
		}
		c.publish(job.ID, events.KindProcessingFailed, events.ProcessingFailedPayload{Reason: reason})
		status = models.JobFailed
		logger.Error("Ingestion job failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Source)).Observe(time.Since(start).Seconds())
}

// process runs the pipeline stages and returns the terminal status it
// recorded, or an error for the failure path.
func (c *Coordinator) process(ctx context.Context, job *models.IngestionJob, req SubmitRequest) (models.JobStatus, error) {
	// extraction
	if err := c.setStatus(job.ID, models.JobExtracting); err != nil {
		return "", err
	}
	c.publish(job.ID, events.KindExtractionStarted, events.ExtractionStartedPayload{ContentType: req.ContentType})

	var result *extraction.Result
	var err error
	if req.URL != "" {
		result, err = c.extractor.ExtractURL(ctx, req.URL)
	} else {
		result, err = c.extractor.ExtractBytes(ctx, req.ContentType, req.Filename, req.Data)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", pipeline.ErrCancelled
		}
		return "", fmt.Errorf("extraction failed: %w", err)
	}

	c.publish(job.ID, events.KindExtractionCompleted, events.ExtractionCompletedPayload{
		CharCount: len(result.Text),
		Title:     result.Title,
		Warnings:  result.Warnings,
	})

	// chunking
	if err := c.setStatus(job.ID, models.JobChunking); err != nil {
		return "", err
	}

	textChunks := c.chunker.Split(result.Text)
	warning := ""
	if len(textChunks) > c.maxChunks {
		textChunks = textChunks[:c.maxChunks]
		warning = fmt.Sprintf("document truncated to %d chunks", c.maxChunks)
		logger.Warn("Chunk cap reached", zap.String("job_id", job.ID), zap.Int("max_chunks", c.maxChunks))
	}

	if len(textChunks) == 0 {
		// an empty document is a valid, if useless, ingestion
		if err := c.setStatus(job.ID, models.JobCompleted); err != nil {
			return "", err
		}
		c.publish(job.ID, events.KindProcessingComplete, events.ProcessingDonePayload{
			Warning: "document produced no text",
		})
		return models.JobCompleted, nil
	}

	now := time.Now().UTC()
	chunks := make([]models.Chunk, len(textChunks))
	for i, tc := range textChunks {
		chunks[i] = models.Chunk{
			ID:            uuid.New().String(),
			JobID:         job.ID,
			SequenceIndex: tc.SequenceIndex,
			Text:          tc.Text,
			TokenCount:    tc.TokenCount,
			Status:        models.ChunkPending,
			CreatedAt:     now,
		}
	}
	if err := c.jobs.InsertChunks(chunks); err != nil {
		return "", pipeline.NewFatalError("persist chunks", err)
	}
	for _, chunk := range chunks {
		c.publish(job.ID, events.KindChunkCreated, events.ChunkCreatedPayload{
			ChunkID:       chunk.ID,
			SequenceIndex: chunk.SequenceIndex,
			TokenCount:    chunk.TokenCount,
		})
	}

	if ctx.Err() != nil {
		return "", pipeline.ErrCancelled
	}

	// embedding and graph building
	if err := c.setStatus(job.ID, models.JobEmbeddingAndGraphBuilding); err != nil {
		return "", err
	}

	graphExt, extErr := extract.Select(ctx, c.graphExts)
	if extErr != nil {
		logger.Warn("No graph extractor available, chunks will embed only",
			zap.String("job_id", job.ID),
		)
	}

	// embedding first, batched through the adapter; a dead backend fails the
	// embed stage per chunk, never the process
	var pending []milvus.ChunkVector
	embedder, embErr := c.embedders.Select(ctx)
	if embErr != nil {
		logger.Warn("No embedding backend available, chunks will fail the embed stage",
			zap.String("job_id", job.ID),
		)
		for _, chunk := range chunks {
			c.failChunk(job.ID, chunk.ID, "embed", embErr)
		}
	} else {
		pending = c.embedChunks(ctx, job.ID, embedder, chunks)
	}

	if ctx.Err() != nil {
		return "", pipeline.ErrCancelled
	}

	// graph extraction fans out over the worker pool
	var wg sync.WaitGroup
	for i := range chunks {
		chunk := chunks[i]
		wg.Add(1)
		submitErr := c.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			c.processChunk(ctx, job.ID, chunk, graphExt)
		})
		if submitErr != nil {
			wg.Done()
			logger.Error("Failed to submit chunk to pool", zap.String("chunk_id", chunk.ID), zap.Error(submitErr))
		}
	}
	wg.Wait()

	if ctx.Err() != nil {
		return "", pipeline.ErrCancelled
	}

	if c.vectors != nil && len(pending) > 0 {
		if err := c.vectors.Insert(ctx, pending); err != nil {
			// the index is a secondary surface; embeddings are recoverable
			// from a reprocess
			logger.Error("Vector index insert failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	// settle terminal status from persisted chunk state
	counts, err := c.jobs.JobCounts(job.ID)
	if err != nil {
		return "", pipeline.NewFatalError("read job counts", err)
	}

	done := events.ProcessingDonePayload{
		ChunksTotal:     counts.ChunksTotal,
		ChunksSucceeded: counts.ChunksSucceeded,
		ChunksFailed:    counts.ChunksFailed,
		NodesCreated:    counts.NodesCreated,
		EdgesCreated:    counts.EdgesCreated,
		Warning:         warning,
	}

	switch {
	case counts.ChunksFailed == 0:
		if err := c.setStatus(job.ID, models.JobCompleted); err != nil {
			return "", err
		}
		c.publish(job.ID, events.KindProcessingComplete, done)
		return models.JobCompleted, nil
	case counts.ChunksSucceeded > 0:
		if err := c.setStatus(job.ID, models.JobPartial); err != nil {
			return "", err
		}
		c.publish(job.ID, events.KindProcessingPartial, done)
		return models.JobPartial, nil
	default:
		return "", fmt.Errorf("all %d chunks failed", counts.ChunksTotal)
	}
}

const embedBatchSize = 64

// embedChunks batches chunk texts through the adapter, persisting each
// vector and emitting chunk_embedded events. A failing batch is retried one
// chunk at a time so a poisoned text fails only its own chunk. Returns the
// vectors for indexing.
func (c *Coordinator) embedChunks(ctx context.Context, jobID string, embedder embedding.Adapter, chunks []models.Chunk) []milvus.ChunkVector {
	var out []milvus.ChunkVector

	for start := 0; start < len(chunks); start += embedBatchSize {
		if ctx.Err() != nil {
			return out
		}
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Text
		}

		vectors, err := embedder.Embed(ctx, texts)
		if err == nil && len(vectors) != len(batch) {
			err = fmt.Errorf("expected %d vectors, got %d", len(batch), len(vectors))
		}
		if err == nil {
			for i, chunk := range batch {
				out = append(out, c.chunkEmbedded(jobID, chunk, vectors[i]))
			}
			continue
		}
		if ctx.Err() != nil {
			return out
		}

		logger.Warn("Batch embedding failed, retrying chunks individually",
			zap.String("job_id", jobID),
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		for _, chunk := range batch {
			single, sErr := embedder.Embed(ctx, []string{chunk.Text})
			if sErr == nil && len(single) != 1 {
				sErr = fmt.Errorf("expected 1 vector, got %d", len(single))
			}
			if sErr != nil {
				c.failChunk(jobID, chunk.ID, "embed", sErr)
				continue
			}
			out = append(out, c.chunkEmbedded(jobID, chunk, single[0]))
		}
	}

	return out
}

func (c *Coordinator) chunkEmbedded(jobID string, chunk models.Chunk, vec []float32) milvus.ChunkVector {
	if err := c.jobs.MarkChunkEmbedded(chunk.ID, vec); err != nil {
		logger.Error("Failed to mark chunk embedded", zap.String("chunk_id", chunk.ID), zap.Error(err))
	}
	c.publish(jobID, events.KindChunkEmbedded, events.ChunkEmbeddedPayload{
		ChunkID:   chunk.ID,
		Dimension: len(vec),
	})
	metrics.ChunksProcessed.WithLabelValues("embedded").Inc()
	return milvus.ChunkVector{
		ID:        chunk.ID,
		JobID:     jobID,
		Embedding: vec,
		Text:      chunk.Text,
		Timestamp: time.Now().UTC(),
	}
}

// processChunk graph-extracts one chunk. Extraction fails independently of
/// the embed stage: a chunk that embedded but fails extraction counts as
// failed, but its vector is kept.
func (c *Coordinator) processChunk(ctx context.Context, jobID string, chunk models.Chunk, graphExt extract.Extractor) {
	if graphExt == nil {
		c.failChunk(jobID, chunk.ID, "extract", extract.ErrNoExtractor)
		return
	}

	extStart := time.Now()
	ex, err := graphExt.Extract(ctx, chunk.Text)
	if err != nil {
		c.failChunk(jobID, chunk.ID, "extract", err)
		return
	}
	metrics.ExtractionDuration.WithLabelValues(graphExt.Name()).Observe(time.Since(extStart).Seconds())

	result, err := c.merger.Merge(ctx, jobID, ex)
	if err != nil {
		c.failChunk(jobID, chunk.ID, "extract", err)
		return
	}

	for _, node := range result.CreatedNodes {
		c.publish(jobID, events.KindNodeCreated, events.NodePayload{
			CanonicalID: node.CanonicalID,
			DisplayName: node.DisplayName,
			Type:        node.Type,
		})
	}
	for _, node := range result.MergedNodes {
		c.publish(jobID, events.KindNodeMerged, events.NodePayload{
			CanonicalID: node.CanonicalID,
			DisplayName: node.DisplayName,
			Type:        node.Type,
		})
	}
	for _, edge := range result.CreatedEdges {
		c.publish(jobID, events.KindEdgeCreated, events.EdgeCreatedPayload{
			EdgeID:   edge.ID,
			SourceID: edge.SourceID,
			TargetID: edge.TargetID,
			Relation: edge.Relation,
		})
	}
	if result.NodesCreated > 0 || result.EdgesCreated > 0 {
		if err := c.jobs.AddGraphCounts(jobID, result.NodesCreated, result.EdgesCreated); err != nil {
			logger.Error("Failed to update graph counts", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	if err := c.jobs.MarkChunkExtracted(chunk.ID); err != nil {
		logger.Error("Failed to mark chunk extracted", zap.String("chunk_id", chunk.ID), zap.Error(err))
	}
	metrics.ChunksProcessed.WithLabelValues("extracted").Inc()
}

func (c *Coordinator) failChunk(jobID, chunkID, stage string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	reason := err.Error()
	var mErr error
	if stage == "embed" {
		mErr = c.jobs.MarkChunkEmbedFailed(chunkID, reason)
	} else {
		mErr = c.jobs.MarkChunkExtractFailed(chunkID, reason)
	}
	if mErr != nil {
		logger.Error("Failed to record chunk failure", zap.String("chunk_id", chunkID), zap.Error(mErr))
	}

	c.publish(jobID, events.KindChunkFailed, events.ChunkFailedPayload{
		ChunkID: chunkID,
		Stage:   stage,
		Reason:  reason,
	})
	metrics.ChunksProcessed.WithLabelValues("failed").Inc()
	logger.Warn("Chunk processing failed",
		zap.String("job_id", jobID),
		zap.String("chunk_id", chunkID),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

func (c *Coordinator) setStatus(jobID string, status models.JobStatus) error {
	if err := c.jobs.UpdateJobStatus(jobID, status); err != nil {
		return pipeline.NewFatalError("update job status", err)
	}
	return nil
}

// publish sequences the event on the stream and mirrors it to the durable
// event log.
func (c *Coordinator) publish(jobID string, kind events.Kind, payload interface{}) {
	ev := c.bus.Publish(jobID, kind, payload)
	if err := c.jobs.AppendEvent(ev); err != nil {
		logger.Error("Failed to persist event",
			zap.String("job_id", jobID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}
