package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/events"
	"github.com/studygraph/backend/internal/storage/models"
	"github.com/studygraph/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ingestion_jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT,
		source TEXT NOT NULL,
		source_locator TEXT,
		status TEXT NOT NULL,
		error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		nodes_created INTEGER NOT NULL DEFAULT 0,
		edges_created INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingestion_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON ingestion_jobs(owner_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON ingestion_jobs(created_at);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		sequence_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		status TEXT NOT NULL,
		embedding BLOB,
		embed_error TEXT,
		extract_error TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES ingestion_jobs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_job ON chunks(job_id, sequence_index);

	CREATE TABLE IF NOT EXISTS progress_events (
		job_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		emitted_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, sequence_number),
		FOREIGN KEY (job_id) REFERENCES ingestion_jobs(id) ON DELETE CASCADE
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) CreateJob(job *models.IngestionJob) error {
	query := `
		INSERT INTO ingestion_jobs (id, owner_id, source, source_locator, status, error, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		job.ID,
		job.OwnerID,
		string(job.Source),
		job.SourceLocator,
		string(job.Status),
		job.Error,
		job.RetryCount,
		job.CreatedAt.Unix(),
		job.UpdatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	logger.Debug("Job inserted", zap.String("job_id", job.ID), zap.String("source", string(job.Source)))
	return nil
}

func (c *Client) GetJob(id string) (*models.IngestionJob, error) {
	query := `SELECT id, owner_id, source, source_locator, status, error, retry_count, created_at, updated_at FROM ingestion_jobs WHERE id = ?`

	var job models.IngestionJob
	var source, status string
	var createdAt, updatedAt int64

	err := c.db.QueryRow(query, id).Scan(
		&job.ID,
		&job.OwnerID,
		&source,
		&job.SourceLocator,
		&status,
		&job.Error,
		&job.RetryCount,
		&createdAt,
		&updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Source = models.SourceType(source)
	job.Status = models.JobStatus(status)
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	job.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &job, nil
}

func (c *Client) UpdateJobStatus(id string, status models.JobStatus) error {
	query := `UPDATE ingestion_jobs SET status = ?, updated_at = ? WHERE id = ?`

	result, err := c.db.Exec(query, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job %s not found", id)
	}

	logger.Debug("Job status updated", zap.String("job_id", id), zap.String("status", string(status)))
	return nil
}

func (c *Client) FailJob(id, reason string) error {
	query := `UPDATE ingestion_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`

	_, err := c.db.Exec(query, string(models.JobFailed), reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return nil
}

func (c *Client) InsertChunks(chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, job_id, sequence_index, text, token_count, status, embed_error, extract_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		_, err := stmt.Exec(
			chunk.ID,
			chunk.JobID,
			chunk.SequenceIndex,
			chunk.Text,
			chunk.TokenCount,
			string(chunk.Status),
			chunk.EmbedError,
			chunk.ExtractError,
			chunk.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk insert: %w", err)
	}

	logger.Debug("Chunks inserted", zap.String("job_id", chunks[0].JobID), zap.Int("count", len(chunks)))
	return nil
}

// MarkChunkEmbedded upgrades a pending chunk and stores its vector. A chunk
// already marked failed keeps its failed status; the error columns carry the
// detail either way.
func (c *Client) MarkChunkEmbedded(id string, embedding []float32) error {
	query := `UPDATE chunks SET status = CASE WHEN status = 'failed' THEN status ELSE 'embedded' END, embedding = ? WHERE id = ?`
	if _, err := c.db.Exec(query, encodeEmbedding(embedding), id); err != nil {
		return fmt.Errorf("failed to mark chunk embedded: %w", err)
	}
	return nil
}

func (c *Client) MarkChunkExtracted(id string) error {
	query := `UPDATE chunks SET status = CASE WHEN status = 'failed' THEN status ELSE 'extracted' END WHERE id = ?`
	if _, err := c.db.Exec(query, id); err != nil {
		return fmt.Errorf("failed to mark chunk extracted: %w", err)
	}
	return nil
}

func (c *Client) MarkChunkEmbedFailed(id, reason string) error {
	query := `UPDATE chunks SET status = 'failed', embed_error = ? WHERE id = ?`
	if _, err := c.db.Exec(query, reason, id); err != nil {
		return fmt.Errorf("failed to mark chunk embed failure: %w", err)
	}
	return nil
}

func (c *Client) MarkChunkExtractFailed(id, reason string) error {
	query := `UPDATE chunks SET status = 'failed', extract_error = ? WHERE id = ?`
	if _, err := c.db.Exec(query, reason, id); err != nil {
		return fmt.Errorf("failed to mark chunk extract failure: %w", err)
	}
	return nil
}

func (c *Client) ListChunks(jobID string) ([]models.Chunk, error) {
	query := `
		SELECT id, job_id, sequence_index, text, token_count, status, embedding, embed_error, extract_error, created_at
		FROM chunks WHERE job_id = ? ORDER BY sequence_index
	`

	rows, err := c.db.Query(query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		var status string
		var embedding []byte
		var createdAt int64

		err := rows.Scan(
			&chunk.ID,
			&chunk.JobID,
			&chunk.SequenceIndex,
			&chunk.Text,
			&chunk.TokenCount,
			&status,
			&embedding,
			&chunk.EmbedError,
			&chunk.ExtractError,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		chunk.Status = models.ChunkStatus(status)
		chunk.Embedding = decodeEmbedding(embedding)
		chunk.CreatedAt = time.Unix(createdAt, 0).UTC()
		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}

// Embeddings are stored as little-endian float32 blobs, 4 bytes per
// dimension. A NULL column decodes to a nil slice.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// AddGraphCounts accumulates node and edge creation counters on the job row.
func (c *Client) AddGraphCounts(jobID string, nodes, edges int) error {
	query := `UPDATE ingestion_jobs SET nodes_created = nodes_created + ?, edges_created = edges_created + ?, updated_at = ? WHERE id = ?`
	if _, err := c.db.Exec(query, nodes, edges, time.Now().Unix(), jobID); err != nil {
		return fmt.Errorf("failed to update graph counts: %w", err)
	}
	return nil
}

func (c *Client) JobCounts(jobID string) (*models.JobCounts, error) {
	var counts models.JobCounts

	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM chunks WHERE job_id = ?
	`
	err := c.db.QueryRow(query, jobID).Scan(&counts.ChunksTotal, &counts.ChunksFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	counts.ChunksSucceeded = counts.ChunksTotal - counts.ChunksFailed

	err = c.db.QueryRow(`SELECT nodes_created, edges_created FROM ingestion_jobs WHERE id = ?`, jobID).
		Scan(&counts.NodesCreated, &counts.EdgesCreated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read graph counts: %w", err)
	}

	return &counts, nil
}

func (c *Client) AppendEvent(ev events.Event) error {
	query := `
		INSERT INTO progress_events (job_id, sequence_number, kind, payload, emitted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, sequence_number) DO NOTHING
	`

	var payload []byte
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}

	_, err := c.db.Exec(query, ev.JobID, ev.SequenceNumber, string(ev.Kind), payload, ev.EmittedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

func (c *Client) ListEvents(jobID string, fromSeq uint64) ([]events.Event, error) {
	query := `
		SELECT job_id, sequence_number, kind, payload, emitted_at
		FROM progress_events WHERE job_id = ? AND sequence_number >= ?
		ORDER BY sequence_number
	`

	rows, err := c.db.Query(query, jobID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var kind string
		var payload []byte
		var emittedAt int64

		if err := rows.Scan(&ev.JobID, &ev.SequenceNumber, &kind, &payload, &emittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Kind = events.Kind(kind)
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		ev.EmittedAt = time.UnixMilli(emittedAt).UTC()
		out = append(out, ev)
	}

	return out, rows.Err()
}
