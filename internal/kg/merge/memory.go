package merge

import (
	"context"
	"sync"

	"github.com/studygraph/backend/internal/storage/models"
)

// MemoryStore is a map-backed Store. It serves tests and single-node runs
// where no graph database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]models.GraphNode
	edges map[string]models.GraphEdge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]models.GraphNode),
		edges: make(map[string]models.GraphEdge),
	}
}

func edgeKey(sourceID, targetID, relation string) string {
	return sourceID + "|" + relation + "|" + targetID
}

func (m *MemoryStore) GetNode(ctx context.Context, canonicalID string) (*models.GraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[canonicalID]
	if !ok {
		return nil, nil
	}
	copied := node
	copied.Aliases = append([]string(nil), node.Aliases...)
	copied.SourceJobIDs = append([]string(nil), node.SourceJobIDs...)
	return &copied, nil
}

func (m *MemoryStore) PutNode(ctx context.Context, node *models.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.CanonicalID] = *node
	return nil
}

func (m *MemoryStore) GetEdge(ctx context.Context, sourceID, targetID, relation string) (*models.GraphEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	edge, ok := m.edges[edgeKey(sourceID, targetID, relation)]
	if !ok {
		return nil, nil
	}
	copied := edge
	copied.SourceJobIDs = append([]string(nil), edge.SourceJobIDs...)
	return &copied, nil
}

func (m *MemoryStore) PutEdge(ctx context.Context, edge *models.GraphEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[edgeKey(edge.SourceID, edge.TargetID, edge.Relation)] = *edge
	return nil
}

// NodeCount and EdgeCount support tests and the readiness probe.
func (m *MemoryStore) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *MemoryStore) EdgeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}
