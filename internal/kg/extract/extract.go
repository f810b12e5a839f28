package extract

import (
	"context"
	"errors"
)

// ErrNoExtractor is returned when no configured extractor reports itself
// available. The coordinator fails the extraction step for the job, not the
// process.
var ErrNoExtractor = errors.New("no graph extractor available")

type Entity struct {
	Name       string
	Type       string
	Aliases    []string
	Confidence float64
}

type Relation struct {
	Source     string
	Relation   string
	Target     string
	Confidence float64
}

// Extraction is the parsed output of one chunk's entity/relation pass.
type Extraction struct {
	Entities  []Entity
	Relations []Relation
}

func (e Extraction) Empty() bool {
	return len(e.Entities) == 0 && len(e.Relations) == 0
}

// Extractor derives entities and relations from a chunk of text.
// Implementations must be safe for concurrent use.
type Extractor interface {
	Name() string
	Available(ctx context.Context) bool
	Extract(ctx context.Context, text string) (Extraction, error)
}

// Select returns the first available extractor, preserving configured order.
func Select(ctx context.Context, extractors []Extractor) (Extractor, error) {
	for _, ex := range extractors {
		if ex.Available(ctx) {
			return ex, nil
		}
	}
	return nil, ErrNoExtractor
}
