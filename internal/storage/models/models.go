package models

import "time"

type JobStatus string

const (
	JobUploading                 JobStatus = "uploading"
	JobExtracting                JobStatus = "extracting"
	JobChunking                  JobStatus = "chunking"
	JobEmbeddingAndGraphBuilding JobStatus = "embedding_and_graph_building"
	JobCompleted                 JobStatus = "completed"
	JobPartial                   JobStatus = "partial"
	JobFailed                    JobStatus = "failed"
)

// Terminal reports whether the status is one of the three end states.
// Terminal jobs are never mutated; reprocessing creates a fresh job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartial || s == JobFailed
}

type SourceType string

const (
	SourceUpload SourceType = "upload"
	SourceURL    SourceType = "url"
)

type IngestionJob struct {
	ID            string
	OwnerID       string
	Source        SourceType
	SourceLocator string
	Status        JobStatus
	Error         string
	RetryCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkEmbedded  ChunkStatus = "embedded"
	ChunkExtracted ChunkStatus = "extracted"
	ChunkFailed    ChunkStatus = "failed"
)

type Chunk struct {
	ID            string
	JobID         string
	SequenceIndex int
	Text          string
	TokenCount    int
	Embedding     []float32 // nil until computed; stays nil if embedding failed
	Status        ChunkStatus
	EmbedError    string
	ExtractError  string
	CreatedAt     time.Time
}

// GraphNode is identified by CanonicalID: two extractions that normalize to
// the same canonical id are the same node. Aliases and SourceJobIDs only grow.
type GraphNode struct {
	CanonicalID  string
	Type         string
	DisplayName  string
	Aliases      []string
	SourceJobIDs []string
	CreatedAt    time.Time
	LastMergedAt time.Time
}

// GraphEdge is keyed by (SourceID, TargetID, Relation). Repeated merges from
// new jobs raise Occurrences and fold the new confidence into a weighted mean.
type GraphEdge struct {
	ID           string
	SourceID     string
	TargetID     string
	Relation     string
	Confidence   float64
	Occurrences  int
	SourceJobIDs []string
	CreatedAt    time.Time
	LastMergedAt time.Time
}

// JobSnapshot pairs a terminal job with its frozen counters. Cached by the
// status endpoint; terminal jobs never change, so the snapshot cannot go
// stale.
type JobSnapshot struct {
	Job    IngestionJob `json:"job"`
	Counts JobCounts    `json:"counts"`
}

// JobCounts is the aggregate view returned by the status endpoint. It is
// derived from persisted state, never from the event stream.
type JobCounts struct {
	ChunksTotal     int
	ChunksSucceeded int
	ChunksFailed    int
	NodesCreated    int
	EdgesCreated    int
}
