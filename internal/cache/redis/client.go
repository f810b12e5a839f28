package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/storage/models"
	"github.com/studygraph/backend/pkg/logger"
)

const embeddingTTL = 7 * 24 * time.Hour

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetEmbedding and GetEmbedding implement the embedding package's
// VectorCache interface.
func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("embedding:%s", textHash), data, embeddingTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("embedding:%s", textHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	err = json.Unmarshal(data, &embedding)
	if err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	return embedding, true, nil
}

// SetJobStatus caches a terminal job snapshot so repeated status polls skip
// the database. Short TTL; storage stays authoritative.
func (c *Client) SetJobStatus(ctx context.Context, jobID string, snap *models.JobSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("job:%s", jobID), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set job cache: %w", err)
	}

	logger.Debug("Job status cached", zap.String("job_id", jobID))
	return nil
}

func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*models.JobSnapshot, bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("job:%s", jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get job cache: %w", err)
	}

	var snap models.JobSnapshot
	err = json.Unmarshal(data, &snap)
	if err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal job snapshot: %w", err)
	}

	return &snap, true, nil
}
