package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/llm"
	"github.com/studygraph/backend/pkg/logger"
)

// Completer is the slice of the LLM client the extractor needs. Tests supply
// a fake; production wires *llm.Client.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Available(ctx context.Context) bool
}

const extractSystemPrompt = `You are a knowledge graph expert. Extract entities and relationships from study material.

Entity types: concept, person, place, formula, theorem, definition, example, term.

Rules:
- Entity names are short noun phrases as they appear in the text.
- Aliases list alternative surface forms of the same entity found in the text.
- Relations connect two extracted entity names with an UPPERCASE_SNAKE predicate
  (e.g. DEPENDS_ON, PART_OF, DEFINED_BY, GENERALIZES, APPLIES_TO).
- Confidence is a number between 0 and 1.

Return ONLY a JSON object:
{"entities":[{"name":"...","type":"...","aliases":["..."],"confidence":0.9}],
 "relations":[{"source":"...","relation":"DEPENDS_ON","target":"...","confidence":0.8}]}`

const parseAttempts = 3

type llmExtractor struct {
	completer Completer
}

// NewLLMExtractor builds the primary extractor, backed by the LLM capability.
func NewLLMExtractor(completer Completer) Extractor {
	return &llmExtractor{completer: completer}
}

func (e *llmExtractor) Name() string { return "llm" }

func (e *llmExtractor) Available(ctx context.Context) bool {
	return e.completer.Available(ctx)
}

func (e *llmExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	userPrompt := fmt.Sprintf("Extract entities and relationships from this text:\n\n%s\n\nReturn JSON only.", text)

	var lastErr error
	for attempt := 1; attempt <= parseAttempts; attempt++ {
		resp, err := e.completer.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: extractSystemPrompt,
			UserPrompt:   userPrompt,
			Temperature:  0.2,
			MaxTokens:    1200,
		})
		if err != nil {
			return Extraction{}, fmt.Errorf("failed to extract graph: %w", err)
		}

		ex, err := parseExtraction(resp.Content)
		if err != nil {
			lastErr = err
			logger.Warn("Unparsable extraction output, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		return ex, nil
	}

	return Extraction{}, fmt.Errorf("failed to parse extraction output after %d attempts: %w", parseAttempts, lastErr)
}

type wireEntity struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Aliases    []string `json:"aliases"`
	Confidence float64  `json:"confidence"`
}

type wireRelation struct {
	Source     string  `json:"source"`
	Relation   string  `json:"relation"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
}

type wireExtraction struct {
	Entities  []wireEntity   `json:"entities"`
	Relations []wireRelation `json:"relations"`
}

// parseExtraction tolerates markdown fences and lightly damaged JSON, both
// common in model output.
func parseExtraction(content string) (Extraction, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	raw = repairJSON(raw)

	var wire wireExtraction
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Extraction{}, fmt.Errorf("malformed extraction JSON: %w", err)
	}

	ex := Extraction{}
	for _, we := range wire.Entities {
		name := strings.TrimSpace(we.Name)
		if name == "" {
			continue
		}
		confidence := clampConfidence(we.Confidence)
		ex.Entities = append(ex.Entities, Entity{
			Name:       name,
			Type:       normalizeType(we.Type),
			Aliases:    trimAll(we.Aliases),
			Confidence: confidence,
		})
	}
	for _, wr := range wire.Relations {
		source := strings.TrimSpace(wr.Source)
		target := strings.TrimSpace(wr.Target)
		relation := strings.TrimSpace(wr.Relation)
		if source == "" || target == "" || relation == "" {
			continue
		}
		ex.Relations = append(ex.Relations, Relation{
			Source:     source,
			Relation:   strings.ToUpper(strings.ReplaceAll(relation, " ", "_")),
			Target:     target,
			Confidence: clampConfidence(wr.Confidence),
		})
	}

	return ex, nil
}

func normalizeType(t string) string {
	t = strings.TrimSpace(strings.ToLower(t))
	if t == "" {
		return "concept"
	}
	return strings.ReplaceAll(t, " ", "_")
}

func clampConfidence(c float64) float64 {
	if c <= 0 {
		return 0.5
	}
	if c > 1 {
		return 1
	}
	return c
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
