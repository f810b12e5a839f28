package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"
)

// proseExtractor is the degraded local fallback: statistical NER only, no
// relations, flat confidence. Used when no LLM endpoint is reachable.
type proseExtractor struct{}

func NewProseExtractor() Extractor {
	return proseExtractor{}
}

func (proseExtractor) Name() string { return "prose" }

func (proseExtractor) Available(ctx context.Context) bool { return true }

func (proseExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	doc, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to run local NER: %w", err)
	}

	seen := make(map[string]bool)
	ex := Extraction{}
	for _, ent := range doc.Entities() {
		name := strings.TrimSpace(ent.Text)
		if name == "" {
			continue
		}
		entityType := mapProseLabel(ent.Label)
		key := strings.ToLower(name) + "|" + entityType
		if seen[key] {
			continue
		}
		seen[key] = true
		ex.Entities = append(ex.Entities, Entity{
			Name:       name,
			Type:       entityType,
			Confidence: 0.4,
		})
	}

	return ex, nil
}

func mapProseLabel(label string) string {
	switch label {
	case "PERSON":
		return "person"
	case "GPE", "LOC":
		return "place"
	default:
		return "concept"
	}
}
