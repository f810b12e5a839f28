package ingestion

import (
	"strings"

	"github.com/studygraph/backend/internal/pipeline"
)

// Chunker splits extracted text into overlapping word-window chunks. Tokens
// are whitespace-delimited words; a chunk holds at most Size tokens and
// shares Overlap tokens with its predecessor.
type Chunker struct {
	Size    int
	Overlap int
}

const (
	DefaultChunkSize    = 400
	DefaultChunkOverlap = 50
)

func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, pipeline.NewValidationError("chunk_size", "must be positive")
	}
	if overlap < 0 || overlap >= size {
		return nil, pipeline.NewValidationError("chunk_overlap", "must be non-negative and smaller than chunk_size")
	}
	return &Chunker{Size: size, Overlap: overlap}, nil
}

// TextChunk is one window over the source text.
type TextChunk struct {
	SequenceIndex int
	Text          string
	TokenCount    int
}

// Split windows the text. Empty or whitespace-only input yields no chunks.
// Every source word appears in at least one chunk, and consecutive chunks
// overlap by exactly Overlap words except possibly the last.
func (c *Chunker) Split(text string) []TextChunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := c.Size - c.Overlap
	var chunks []TextChunk
	for start := 0; ; start += step {
		end := start + c.Size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, TextChunk{
			SequenceIndex: len(chunks),
			Text:          strings.Join(words[start:end], " "),
			TokenCount:    end - start,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
