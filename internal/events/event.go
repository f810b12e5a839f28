package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the event type on the progress stream. The set is closed;
// consumers can switch exhaustively.
type Kind string

const (
	KindJobCreated          Kind = "job_created"
	KindExtractionStarted   Kind = "extraction_started"
	KindExtractionCompleted Kind = "extraction_completed"
	KindChunkCreated        Kind = "chunk_created"
	KindChunkEmbedded       Kind = "chunk_embedded"
	KindNodeCreated         Kind = "node_created"
	KindNodeMerged          Kind = "node_merged"
	KindEdgeCreated         Kind = "edge_created"
	KindChunkFailed         Kind = "chunk_failed"
	KindProcessingComplete  Kind = "processing_complete"
	KindProcessingPartial   Kind = "processing_partial"
	KindProcessingFailed    Kind = "processing_failed"
)

// Critical reports whether the kind must never be dropped under backpressure.
// Lifecycle and failure events are critical; per-item progress is not.
func (k Kind) Critical() bool {
	switch k {
	case KindChunkCreated, KindChunkEmbedded, KindNodeCreated, KindNodeMerged, KindEdgeCreated:
		return false
	}
	return true
}

// Terminal reports whether the kind ends the job's stream.
func (k Kind) Terminal() bool {
	switch k {
	case KindProcessingComplete, KindProcessingPartial, KindProcessingFailed:
		return true
	}
	return false
}

// Event is one entry on a job's ordered progress stream. SequenceNumber is
// assigned by the bus at publish time and is gapless per job.
type Event struct {
	JobID          string          `json:"job_id"`
	SequenceNumber uint64          `json:"sequence_number"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EmittedAt      time.Time       `json:"emitted_at"`
}

type JobCreatedPayload struct {
	Source        string `json:"source"`
	SourceLocator string `json:"source_locator,omitempty"`
}

type ExtractionStartedPayload struct {
	ContentType string `json:"content_type,omitempty"`
}

type ExtractionCompletedPayload struct {
	CharCount int      `json:"char_count"`
	Title     string   `json:"title,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

type ChunkCreatedPayload struct {
	ChunkID       string `json:"chunk_id"`
	SequenceIndex int    `json:"sequence_index"`
	TokenCount    int    `json:"token_count"`
}

type ChunkEmbeddedPayload struct {
	ChunkID   string `json:"chunk_id"`
	Dimension int    `json:"dimension"`
}

type NodePayload struct {
	CanonicalID string `json:"canonical_id"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
}

type EdgeCreatedPayload struct {
	EdgeID   string `json:"edge_id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Relation string `json:"relation"`
}

type ChunkFailedPayload struct {
	ChunkID string `json:"chunk_id"`
	Stage   string `json:"stage"`
	Reason  string `json:"reason"`
}

type ProcessingDonePayload struct {
	ChunksTotal     int    `json:"chunks_total"`
	ChunksSucceeded int    `json:"chunks_succeeded"`
	ChunksFailed    int    `json:"chunks_failed"`
	NodesCreated    int    `json:"nodes_created"`
	EdgesCreated    int    `json:"edges_created"`
	Warning         string `json:"warning,omitempty"`
}

type ProcessingFailedPayload struct {
	Reason string `json:"reason"`
}

// DecodePayload unmarshals an event's payload into its typed struct.
func DecodePayload(kind Kind, raw json.RawMessage) (interface{}, error) {
	var target interface{}
	switch kind {
	case KindJobCreated:
		target = &JobCreatedPayload{}
	case KindExtractionStarted:
		target = &ExtractionStartedPayload{}
	case KindExtractionCompleted:
		target = &ExtractionCompletedPayload{}
	case KindChunkCreated:
		target = &ChunkCreatedPayload{}
	case KindChunkEmbedded:
		target = &ChunkEmbeddedPayload{}
	case KindNodeCreated, KindNodeMerged:
		target = &NodePayload{}
	case KindEdgeCreated:
		target = &EdgeCreatedPayload{}
	case KindChunkFailed:
		target = &ChunkFailedPayload{}
	case KindProcessingComplete, KindProcessingPartial:
		target = &ProcessingDonePayload{}
	case KindProcessingFailed:
		target = &ProcessingFailedPayload{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if len(raw) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return target, nil
}

// MustPayload marshals a payload struct, panicking on failure. Payload types
// are plain structs; marshal cannot fail at runtime.
func MustPayload(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("events: marshal payload: %v", err))
	}
	return raw
}
