package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/storage/models"
	"github.com/studygraph/backend/pkg/circuitbreaker"
	"github.com/studygraph/backend/pkg/logger"
	"github.com/studygraph/backend/pkg/retry"
)

// Client persists the knowledge graph in neo4j. It implements the merge
// engine's Store interface.
type Client struct {
	driver      neo4j.DriverWithContext
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func (c *Client) GetNode(ctx context.Context, canonicalID string) (*models.GraphNode, error) {
	var node *models.GraphNode

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (n:Concept {canonical_id: $canonical_id})
			RETURN n.canonical_id, n.type, n.display_name, n.aliases,
			       n.source_job_ids, n.created_at, n.last_merged_at
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"canonical_id": canonicalID,
		})
		if err != nil {
			return fmt.Errorf("failed to get node: %w", err)
		}

		if !result.Next(ctx) {
			node = nil
			return result.Err()
		}

		record := result.Record()
		node = &models.GraphNode{
			CanonicalID:  stringValue(record, "n.canonical_id"),
			Type:         stringValue(record, "n.type"),
			DisplayName:  stringValue(record, "n.display_name"),
			Aliases:      stringSlice(record, "n.aliases"),
			SourceJobIDs: stringSlice(record, "n.source_job_ids"),
			CreatedAt:    timeValue(record, "n.created_at"),
			LastMergedAt: timeValue(record, "n.last_merged_at"),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return node, nil
}

func (c *Client) PutNode(ctx context.Context, node *models.GraphNode) error {
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (n:Concept {canonical_id: $canonical_id})
			SET n.type = $type,
			    n.display_name = $display_name,
			    n.aliases = $aliases,
			    n.source_job_ids = $source_job_ids,
			    n.created_at = $created_at,
			    n.last_merged_at = $last_merged_at
		`

		_, err := session.Run(ctx, query, map[string]interface{}{
			"canonical_id":   node.CanonicalID,
			"type":           node.Type,
			"display_name":   node.DisplayName,
			"aliases":        node.Aliases,
			"source_job_ids": node.SourceJobIDs,
			"created_at":     node.CreatedAt.UnixMilli(),
			"last_merged_at": node.LastMergedAt.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("failed to put node: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Node upserted in KG",
		zap.String("canonical_id", node.CanonicalID),
		zap.String("type", node.Type),
	)
	return nil
}

func (c *Client) GetEdge(ctx context.Context, sourceID, targetID, relation string) (*models.GraphEdge, error) {
	var edge *models.GraphEdge

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (s:Concept {canonical_id: $source_id})-[r:RELATES {type: $relation}]->(t:Concept {canonical_id: $target_id})
			RETURN r.id, r.confidence, r.occurrences, r.source_job_ids,
			       r.created_at, r.last_merged_at
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"source_id": sourceID,
			"target_id": targetID,
			"relation":  relation,
		})
		if err != nil {
			return fmt.Errorf("failed to get edge: %w", err)
		}

		if !result.Next(ctx) {
			edge = nil
			return result.Err()
		}

		record := result.Record()
		edge = &models.GraphEdge{
			ID:           stringValue(record, "r.id"),
			SourceID:     sourceID,
			TargetID:     targetID,
			Relation:     relation,
			Confidence:   floatValue(record, "r.confidence"),
			Occurrences:  intValue(record, "r.occurrences"),
			SourceJobIDs: stringSlice(record, "r.source_job_ids"),
			CreatedAt:    timeValue(record, "r.created_at"),
			LastMergedAt: timeValue(record, "r.last_merged_at"),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return edge, nil
}

func (c *Client) PutEdge(ctx context.Context, edge *models.GraphEdge) error {
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (s:Concept {canonical_id: $source_id})
			MATCH (t:Concept {canonical_id: $target_id})
			MERGE (s)-[r:RELATES {type: $relation}]->(t)
			SET r.id = $id,
			    r.confidence = $confidence,
			    r.occurrences = $occurrences,
			    r.source_job_ids = $source_job_ids,
			    r.created_at = $created_at,
			    r.last_merged_at = $last_merged_at
		`

		_, err := session.Run(ctx, query, map[string]interface{}{
			"id":             edge.ID,
			"source_id":      edge.SourceID,
			"target_id":      edge.TargetID,
			"relation":       edge.Relation,
			"confidence":     edge.Confidence,
			"occurrences":    edge.Occurrences,
			"source_job_ids": edge.SourceJobIDs,
			"created_at":     edge.CreatedAt.UnixMilli(),
			"last_merged_at": edge.LastMergedAt.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("failed to put edge: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Edge upserted in KG",
		zap.String("source", edge.SourceID),
		zap.String("relation", edge.Relation),
		zap.String("target", edge.TargetID),
	)
	return nil
}

func stringValue(record *neo4j.Record, key string) string {
	v, _ := record.Get(key)
	s, _ := v.(string)
	return s
}

func stringSlice(record *neo4j.Record, key string) []string {
	v, _ := record.Get(key)
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatValue(record *neo4j.Record, key string) float64 {
	v, _ := record.Get(key)
	f, _ := v.(float64)
	return f
}

func intValue(record *neo4j.Record, key string) int {
	v, _ := record.Get(key)
	n, _ := v.(int64)
	return int(n)
}

func timeValue(record *neo4j.Record, key string) time.Time {
	v, _ := record.Get(key)
	ms, ok := v.(int64)
	if !ok {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
