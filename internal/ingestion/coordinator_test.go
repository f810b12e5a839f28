package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studygraph/backend/internal/embedding"
	"github.com/studygraph/backend/internal/events"
	"github.com/studygraph/backend/internal/extraction"
	"github.com/studygraph/backend/internal/kg/extract"
	"github.com/studygraph/backend/internal/kg/merge"
	"github.com/studygraph/backend/internal/pipeline"
	"github.com/studygraph/backend/internal/storage/models"
	"github.com/studygraph/backend/internal/vector/milvus"
)

// memJobStore is a concurrency-safe JobStore for exercising the coordinator
// without sqlite.
type memJobStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.IngestionJob
	chunks map[string]*models.Chunk
	order  []string
	counts map[string][2]int // jobID -> nodes, edges
	events map[string][]events.Event
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:   make(map[string]*models.IngestionJob),
		chunks: make(map[string]*models.Chunk),
		counts: make(map[string][2]int),
		events: make(map[string][]events.Event),
	}
}

func (m *memJobStore) CreateJob(job *models.IngestionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memJobStore) GetJob(id string) (*models.IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (m *memJobStore) UpdateJobStatus(id string, status models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	job.Status = status
	return nil
}

func (m *memJobStore) FailJob(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	job.Status = models.JobFailed
	job.Error = reason
	return nil
}

func (m *memJobStore) InsertChunks(chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range chunks {
		copied := chunks[i]
		m.chunks[copied.ID] = &copied
		m.order = append(m.order, copied.ID)
	}
	return nil
}

func (m *memJobStore) MarkChunkEmbedded(id string, vec []float32) error {
	return m.updateChunk(id, func(c *models.Chunk) {
		if c.Status != models.ChunkFailed {
			c.Status = models.ChunkEmbedded
		}
		c.Embedding = append([]float32(nil), vec...)
	})
}

func (m *memJobStore) MarkChunkExtracted(id string) error {
	return m.updateChunk(id, func(c *models.Chunk) {
		if c.Status != models.ChunkFailed {
			c.Status = models.ChunkExtracted
		}
	})
}

func (m *memJobStore) MarkChunkEmbedFailed(id, reason string) error {
	return m.updateChunk(id, func(c *models.Chunk) {
		c.Status = models.ChunkFailed
		c.EmbedError = reason
	})
}

func (m *memJobStore) MarkChunkExtractFailed(id, reason string) error {
	return m.updateChunk(id, func(c *models.Chunk) {
		c.Status = models.ChunkFailed
		c.ExtractError = reason
	})
}

func (m *memJobStore) updateChunk(id string, fn func(*models.Chunk)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, ok := m.chunks[id]
	if !ok {
		return errors.New("chunk not found")
	}
	fn(chunk)
	return nil
}

func (m *memJobStore) ListChunks(jobID string) ([]models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Chunk
	for _, id := range m.order {
		if m.chunks[id].JobID == jobID {
			out = append(out, *m.chunks[id])
		}
	}
	return out, nil
}

func (m *memJobStore) AddGraphCounts(jobID string, nodes, edges int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counts[jobID]
	m.counts[jobID] = [2]int{c[0] + nodes, c[1] + edges}
	return nil
}

func (m *memJobStore) JobCounts(jobID string) (*models.JobCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := &models.JobCounts{
		NodesCreated: m.counts[jobID][0],
		EdgesCreated: m.counts[jobID][1],
	}
	for _, id := range m.order {
		chunk := m.chunks[id]
		if chunk.JobID != jobID {
			continue
		}
		counts.ChunksTotal++
		if chunk.Status == models.ChunkFailed {
			counts.ChunksFailed++
		} else {
			counts.ChunksSucceeded++
		}
	}
	return counts, nil
}

func (m *memJobStore) AppendEvent(ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.JobID] = append(m.events[ev.JobID], ev)
	return nil
}

func (m *memJobStore) eventsFor(jobID string) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Event(nil), m.events[jobID]...)
}

// fakeTextExtractor returns its fixture unchanged.
type fakeTextExtractor struct {
	text string
	err  error
}

func (f *fakeTextExtractor) ExtractURL(ctx context.Context, url string) (*extraction.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &extraction.Result{Text: f.text, ContentType: "text/html"}, nil
}

func (f *fakeTextExtractor) ExtractBytes(ctx context.Context, contentType, filename string, data []byte) (*extraction.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &extraction.Result{Text: f.text, ContentType: contentType}, nil
}

// fakeEmbedder fails calls whose texts contain failOn and can block until
// cancelled. It records the texts of every call for batching assertions.
type fakeEmbedder struct {
	failOn string
	block  bool

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeEmbedder) Name() string                       { return "fake" }
func (f *fakeEmbedder) Available(ctx context.Context) bool { return true }
func (f *fakeEmbedder) Dimension() int                     { return 4 }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failOn != "" && strings.Contains(text, f.failOn) {
			return nil, errors.New("embedding backend unavailable")
		}
		out[i] = []float32{1, 2, 3, float32(len(text))}
	}
	return out, nil
}

func (f *fakeEmbedder) callSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.calls))
	for i, call := range f.calls {
		sizes[i] = len(call)
	}
	return sizes
}

// staticSelector serves a fixed adapter, or a fixed selection error.
type staticSelector struct {
	adapter embedding.Adapter
	err     error
}

func (s staticSelector) Select(ctx context.Context) (embedding.Adapter, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.adapter, nil
}

// fakeGraphExtractor extracts one fixed entity pair per chunk.
type fakeGraphExtractor struct{}

func (fakeGraphExtractor) Name() string                       { return "fake" }
func (fakeGraphExtractor) Available(ctx context.Context) bool { return true }

func (fakeGraphExtractor) Extract(ctx context.Context, text string) (extract.Extraction, error) {
	return extract.Extraction{
		Entities: []extract.Entity{
			{Name: "Chain Rule", Type: "theorem", Confidence: 0.9},
			{Name: "Derivative", Type: "concept", Confidence: 0.8},
		},
		Relations: []extract.Relation{
			{Source: "Chain Rule", Relation: "DEPENDS_ON", Target: "Derivative", Confidence: 0.8},
		},
	}, nil
}

type captureIndex struct {
	mu      sync.Mutex
	vectors []milvus.ChunkVector
}

func (c *captureIndex) Insert(ctx context.Context, vectors []milvus.ChunkVector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectors = append(c.vectors, vectors...)
	return nil
}

type testEnv struct {
	store *memJobStore
	graph *merge.MemoryStore
	index *captureIndex
	coord *Coordinator
}

func newTestEnv(t *testing.T, text string, embedder *fakeEmbedder) *testEnv {
	t.Helper()
	env := &testEnv{
		store: newMemJobStore(),
		graph: merge.NewMemoryStore(),
		index: &captureIndex{},
	}
	coord, err := NewCoordinator(
		env.store,
		&fakeTextExtractor{text: text},
		staticSelector{adapter: embedder},
		[]extract.Extractor{fakeGraphExtractor{}},
		merge.NewEngine(env.graph),
		events.NewBus(),
		env.index,
		Config{ChunkSize: 5, ChunkOverlap: 1, Workers: 2},
	)
	require.NoError(t, err)
	env.coord = coord
	t.Cleanup(coord.Close)
	return env
}

func waitTerminal(t *testing.T, store *memJobStore, jobID string) *models.IngestionJob {
	t.Helper()
	var job *models.IngestionJob
	require.Eventually(t, func() bool {
		j, err := store.GetJob(jobID)
		if err != nil || j == nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, "text", &fakeEmbedder{})
	ctx := context.Background()

	_, err := env.coord.Submit(ctx, SubmitRequest{})
	assert.True(t, pipeline.IsValidation(err))

	_, err = env.coord.Submit(ctx, SubmitRequest{URL: "https://x.test", Data: []byte("y")})
	assert.True(t, pipeline.IsValidation(err))

	_, err = env.coord.Submit(ctx, SubmitRequest{URL: "notaurl"})
	assert.True(t, pipeline.IsValidation(err))
}

func TestJobCompletesAndOrdersEvents(t *testing.T) {
	env := newTestEnv(t, sampleWords(12), &fakeEmbedder{})

	job, err := env.coord.Submit(context.Background(), SubmitRequest{
		Data: []byte("upload"), ContentType: "text/plain", Filename: "notes.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourceUpload, job.Source)

	final := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, models.JobCompleted, final.Status)

	chunks, err := env.store.ListChunks(job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.Equal(t, models.ChunkExtracted, chunk.Status)
	}

	// persisted log is gapless under the sequence order and ends with the
	// terminal event
	log := env.store.eventsFor(job.ID)
	require.NotEmpty(t, log)
	sort.Slice(log, func(i, j int) bool { return log[i].SequenceNumber < log[j].SequenceNumber })
	for i, ev := range log {
		assert.Equal(t, uint64(i+1), ev.SequenceNumber)
	}
	assert.Equal(t, events.KindJobCreated, log[0].Kind)
	assert.Equal(t, events.KindProcessingComplete, log[len(log)-1].Kind)

	// entities repeat across chunks but the graph holds them once
	assert.Equal(t, 2, env.graph.NodeCount())
	assert.Equal(t, 1, env.graph.EdgeCount())

	env.index.mu.Lock()
	defer env.index.mu.Unlock()
	assert.Len(t, env.index.vectors, 3)
}

func TestChunksEmbedAsOneBatch(t *testing.T) {
	embedder := &fakeEmbedder{}
	env := newTestEnv(t, sampleWords(12), embedder)

	job, err := env.coord.Submit(context.Background(), SubmitRequest{URL: "https://example.com/doc"})
	require.NoError(t, err)

	final := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, models.JobCompleted, final.Status)

	// three chunks, one adapter call
	assert.Equal(t, []int{3}, embedder.callSizes())

	// each chunk keeps its vector after the job settles
	chunks, err := env.store.ListChunks(job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.Len(t, chunk.Embedding, 4)
	}
}

func TestNoEmbeddingBackendStillExtracts(t *testing.T) {
	env := newTestEnv(t, sampleWords(6), &fakeEmbedder{})
	env.coord.embedders = staticSelector{err: embedding.ErrNoAdapter}

	job, err := env.coord.Submit(context.Background(), SubmitRequest{URL: "https://example.com/doc"})
	require.NoError(t, err)

	// the job degrades instead of taking the process down with it
	final := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Contains(t, final.Error, "chunks failed")

	chunks, err := env.store.ListChunks(job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.Equal(t, models.ChunkFailed, chunk.Status)
		assert.Contains(t, chunk.EmbedError, "no embedding adapter")
		assert.Empty(t, chunk.Embedding)
	}

	// extraction runs regardless of the embed stage
	assert.Equal(t, 2, env.graph.NodeCount())

	env.index.mu.Lock()
	defer env.index.mu.Unlock()
	assert.Empty(t, env.index.vectors)
}

func TestEmptyDocumentCompletesWithWarning(t *testing.T) {
	env := newTestEnv(t, "   ", &fakeEmbedder{})

	job, err := env.coord.Submit(context.Background(), SubmitRequest{URL: "https://example.com/empty"})
	require.NoError(t, err)

	final := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, models.JobCompleted, final.Status)

	log := env.store.eventsFor(job.ID)
	last := log[len(log)-1]
	require.Equal(t, events.KindProcessingComplete, last.Kind)

	decoded, err := events.DecodePayload(last.Kind, last.Payload)
	require.NoError(t, err)
	assert.Contains(t, decoded.(*events.ProcessingDonePayload).Warning, "no text")
}

func TestPartialWhenSomeChunksFail(t *testing.T) {
	// chunk containing w6 fails embedding; the rest succeed
	env := newTestEnv(t, sampleWords(12), &fakeEmbedder{failOn: "w6"})

	job, err := env.coord.Submit(context.Background(), SubmitRequest{URL: "https://example.com/doc"})
	require.NoError(t, err)

	final := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, models.JobPartial, final.Status)

	chunks, err := env.store.ListChunks(job.ID)
	require.NoError(t, err)

	failed := 0
	for _, chunk := range chunks {
		if chunk.Status == models.ChunkFailed {
			failed++
			assert.Contains(t, chunk.EmbedError, "unavailable")
		}
	}
	assert.Greater(t, failed, 0)
	assert.Less(t, failed, len(chunks))

	log := env.store.eventsFor(job.ID)
	kinds := make(map[events.Kind]int)
	for _, ev := range log {
		kinds[ev.Kind]++
	}
	assert.Equal(t, failed, kinds[events.KindChunkFailed])
	assert.Equal(t, 1, kinds[events.KindProcessingPartial])
}

func TestAllChunksFailingFailsJob(t *testing.T) {
	env := newTestEnv(t, sampleWords(8), &fakeEmbedder{failOn: "w"})
	// graph extraction also fails every chunk so nothing succeeds
	env.coord.graphExts = nil

	job, err := env.coord.Submit(context.Background(), SubmitRequest{URL: "https://example.com/doc"})
	require.NoError(t, err)

	final := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Contains(t, final.Error, "chunks failed")
}

func TestTwoJobsDeduplicateAcrossGraph(t *testing.T) {
	env := newTestEnv(t, sampleWords(6), &fakeEmbedder{})
	ctx := context.Background()

	first, err := env.coord.Submit(ctx, SubmitRequest{URL: "https://example.com/a"})
	require.NoError(t, err)
	waitTerminal(t, env.store, first.ID)

	second, err := env.coord.Submit(ctx, SubmitRequest{URL: "https://example.com/b"})
	require.NoError(t, err)
	waitTerminal(t, env.store, second.ID)

	assert.Equal(t, 2, env.graph.NodeCount())

	node, err := env.graph.GetNode(ctx, "chain_rule|theorem")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, node.SourceJobIDs)

	kinds := make(map[events.Kind]int)
	for _, ev := range env.store.eventsFor(second.ID) {
		kinds[ev.Kind]++
	}
	assert.Zero(t, kinds[events.KindNodeCreated])
	assert.Equal(t, 2, kinds[events.KindNodeMerged])
}

func TestCancelStopsJob(t *testing.T) {
	env := newTestEnv(t, sampleWords(40), &fakeEmbedder{block: true})

	job, err := env.coord.Submit(context.Background(), SubmitRequest{URL: "https://example.com/slow"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := env.store.GetJob(job.ID)
		return j != nil && j.Status == models.JobEmbeddingAndGraphBuilding
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.coord.Cancel(job.ID))

	final := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Contains(t, final.Error, "cancelled")

	log := env.store.eventsFor(job.ID)
	assert.Equal(t, events.KindProcessingFailed, log[len(log)-1].Kind)
}

func TestCancelUnknownOrFinishedJob(t *testing.T) {
	env := newTestEnv(t, sampleWords(6), &fakeEmbedder{})
	ctx := context.Background()

	err := env.coord.Cancel("missing")
	assert.True(t, pipeline.IsValidation(err))

	job, err := env.coord.Submit(ctx, SubmitRequest{URL: "https://example.com/a"})
	require.NoError(t, err)
	waitTerminal(t, env.store, job.ID)

	err = env.coord.Cancel(job.ID)
	assert.True(t, pipeline.IsValidation(err))
}

func TestReprocessCreatesNewJob(t *testing.T) {
	env := newTestEnv(t, sampleWords(6), &fakeEmbedder{})
	ctx := context.Background()

	job, err := env.coord.Submit(ctx, SubmitRequest{URL: "https://example.com/a"})
	require.NoError(t, err)
	waitTerminal(t, env.store, job.ID)

	again, err := env.coord.Reprocess(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, again.ID)
	assert.Equal(t, 1, again.RetryCount)
	assert.Equal(t, job.SourceLocator, again.SourceLocator)

	final := waitTerminal(t, env.store, again.ID)
	assert.Equal(t, models.JobCompleted, final.Status)
}

func TestReprocessRejectsUploadsAndRunningJobs(t *testing.T) {
	env := newTestEnv(t, sampleWords(6), &fakeEmbedder{})
	ctx := context.Background()

	upload, err := env.coord.Submit(ctx, SubmitRequest{Data: []byte("x"), ContentType: "text/plain"})
	require.NoError(t, err)
	waitTerminal(t, env.store, upload.ID)

	_, err = env.coord.Reprocess(ctx, upload.ID)
	assert.True(t, pipeline.IsValidation(err))

	_, err = env.coord.Reprocess(ctx, "missing")
	assert.True(t, pipeline.IsValidation(err))
}

func TestExtractionFailureFailsJob(t *testing.T) {
	env := newTestEnv(t, "", &fakeEmbedder{})
	env.coord.extractor = &fakeTextExtractor{err: fmt.Errorf("scraper returned 502")}

	job, err := env.coord.Submit(context.Background(), SubmitRequest{URL: "https://example.com/down"})
	require.NoError(t, err)

	final := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Contains(t, final.Error, "extraction failed")
}
