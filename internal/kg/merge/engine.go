package merge

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/kg/canonical"
	"github.com/studygraph/backend/internal/kg/extract"
	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/internal/storage/models"
	"github.com/studygraph/backend/pkg/logger"
)

// Store is the graph persistence the engine merges into. Get methods return
// (nil, nil) when the key is absent.
type Store interface {
	GetNode(ctx context.Context, canonicalID string) (*models.GraphNode, error)
	PutNode(ctx context.Context, node *models.GraphNode) error
	GetEdge(ctx context.Context, sourceID, targetID, relation string) (*models.GraphEdge, error)
	PutEdge(ctx context.Context, edge *models.GraphEdge) error
}

// Result reports what one merge call did to the graph.
type Result struct {
	NodesCreated int
	NodesMerged  int
	EdgesCreated int
	EdgesMerged  int
	// Created and Merged carry the affected nodes for event emission,
	// in extraction order.
	CreatedNodes []*models.GraphNode
	MergedNodes  []*models.GraphNode
	CreatedEdges []*models.GraphEdge
}

const lockStripes = 64

// Engine deduplicates extracted entities into the graph by canonical ID.
// Canonical IDs are striped across a fixed set of mutexes so concurrent
// chunk workers can merge without serializing the whole graph.
type Engine struct {
	store Store
	locks [lockStripes]sync.Mutex
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

func (e *Engine) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &e.locks[h.Sum32()%lockStripes]
}

// Merge folds one chunk's extraction into the graph on behalf of jobID.
// Node aliases and source job IDs are set unions, so re-merging the same
// extraction is a no-op while a later chunk of the same job can still
// contribute new aliases. Edge occurrences count distinct jobs observing the
// relation, not chunks. Relations whose endpoints were not extracted in the
// same call are skipped.
func (e *Engine) Merge(ctx context.Context, jobID string, ex extract.Extraction) (*Result, error) {
	result := &Result{}
	extracted := make(map[string]string) // entity name (lowercased) -> canonical ID

	for _, entity := range ex.Entities {
		id := canonical.ID(entity.Name, entity.Type)
		extracted[canonical.Normalize(entity.Name)] = id
		for _, alias := range entity.Aliases {
			extracted[canonical.Normalize(alias)] = id
		}

		created, node, err := e.mergeNode(ctx, jobID, id, entity)
		if err != nil {
			return nil, fmt.Errorf("failed to merge node %s: %w", id, err)
		}
		if created {
			result.NodesCreated++
			result.CreatedNodes = append(result.CreatedNodes, node)
			metrics.GraphNodes.WithLabelValues("created").Inc()
		} else if node != nil {
			result.NodesMerged++
			result.MergedNodes = append(result.MergedNodes, node)
			metrics.GraphNodes.WithLabelValues("merged").Inc()
		}
	}

	for _, rel := range ex.Relations {
		sourceID, okS := extracted[canonical.Normalize(rel.Source)]
		targetID, okT := extracted[canonical.Normalize(rel.Target)]
		if !okS || !okT {
			logger.Debug("Skipping relation with unknown endpoint",
				zap.String("source", rel.Source),
				zap.String("target", rel.Target),
				zap.String("relation", rel.Relation),
			)
			continue
		}
		if sourceID == targetID {
			continue
		}

		created, edge, err := e.mergeEdge(ctx, jobID, sourceID, targetID, rel)
		if err != nil {
			return nil, fmt.Errorf("failed to merge edge %s-[%s]->%s: %w", sourceID, rel.Relation, targetID, err)
		}
		if created {
			result.EdgesCreated++
			result.CreatedEdges = append(result.CreatedEdges, edge)
			metrics.GraphEdges.WithLabelValues("created").Inc()
		} else if edge != nil {
			result.EdgesMerged++
			metrics.GraphEdges.WithLabelValues("merged").Inc()
		}
	}

	return result, nil
}

// mergeNode returns (true, node) on create, (false, node) on a merge that
// changed state, and (false, nil) when the merge was a no-op.
func (e *Engine) mergeNode(ctx context.Context, jobID, id string, entity extract.Entity) (bool, *models.GraphNode, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	node, err := e.store.GetNode(ctx, id)
	if err != nil {
		return false, nil, err
	}

	if node == nil {
		node = &models.GraphNode{
			CanonicalID:  id,
			Type:         entity.Type,
			DisplayName:  entity.Name,
			Aliases:      appendMissing(nil, entity.Aliases...),
			SourceJobIDs: []string{jobID},
			CreatedAt:    now,
			LastMergedAt: now,
		}
		if err := e.store.PutNode(ctx, node); err != nil {
			return false, nil, err
		}
		return true, node, nil
	}

	aliasesBefore := len(node.Aliases)
	node.Aliases = appendMissing(node.Aliases, entity.Aliases...)
	if entity.Name != node.DisplayName {
		node.Aliases = appendMissing(node.Aliases, entity.Name)
	}

	newJob := !contains(node.SourceJobIDs, jobID)
	if newJob {
		node.SourceJobIDs = append(node.SourceJobIDs, jobID)
	}
	if !newJob && len(node.Aliases) == aliasesBefore {
		// nothing this extraction hasn't already contributed
		return false, nil, nil
	}

	node.LastMergedAt = now
	if err := e.store.PutNode(ctx, node); err != nil {
		return false, nil, err
	}
	return false, node, nil
}

func (e *Engine) mergeEdge(ctx context.Context, jobID, sourceID, targetID string, rel extract.Relation) (bool, *models.GraphEdge, error) {
	// lock in a stable order keyed on the full edge identity
	mu := e.lockFor(sourceID + "|" + rel.Relation + "|" + targetID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	edge, err := e.store.GetEdge(ctx, sourceID, targetID, rel.Relation)
	if err != nil {
		return false, nil, err
	}

	if edge == nil {
		edge = &models.GraphEdge{
			ID:           uuid.New().String(),
			SourceID:     sourceID,
			TargetID:     targetID,
			Relation:     rel.Relation,
			Confidence:   rel.Confidence,
			Occurrences:  1,
			SourceJobIDs: []string{jobID},
			CreatedAt:    now,
			LastMergedAt: now,
		}
		if err := e.store.PutEdge(ctx, edge); err != nil {
			return false, nil, err
		}
		return true, edge, nil
	}

	if contains(edge.SourceJobIDs, jobID) {
		return false, nil, nil
	}

	// fold the new observation in with an occurrence-weighted mean
	total := float64(edge.Occurrences)
	edge.Confidence = (edge.Confidence*total + rel.Confidence) / (total + 1)
	edge.Occurrences++
	edge.SourceJobIDs = append(edge.SourceJobIDs, jobID)
	edge.LastMergedAt = now
	if err := e.store.PutEdge(ctx, edge); err != nil {
		return false, nil, err
	}
	return false, edge, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func appendMissing(list []string, values ...string) []string {
	for _, v := range values {
		if v != "" && !contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}
