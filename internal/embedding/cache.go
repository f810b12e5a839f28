package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/pkg/logger"
	"github.com/studygraph/backend/pkg/utils"
)

// VectorCache stores vectors keyed by text hash. The redis client implements
// it; a miss is (nil, false, nil).
type VectorCache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, vector []float32) error
}

type cachedAdapter struct {
	inner Adapter
	cache VectorCache
}

// WithCache wraps an adapter so repeated texts skip the backend. Cache
// errors degrade to a direct call; they never fail the embed.
func WithCache(inner Adapter, cache VectorCache) Adapter {
	if cache == nil {
		return inner
	}
	return &cachedAdapter{inner: inner, cache: cache}
}

func (c *cachedAdapter) Name() string { return c.inner.Name() }

func (c *cachedAdapter) Dimension() int { return c.inner.Dimension() }

func (c *cachedAdapter) Available(ctx context.Context) bool {
	return c.inner.Available(ctx)
}

func (c *cachedAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		key := utils.HashText(c.inner.Name(), text)
		vector, ok, err := c.cache.GetEmbedding(ctx, key)
		if err != nil {
			logger.Debug("Embedding cache read failed", zap.Error(err))
		}
		if ok {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			vectors[i] = vector
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, vector := range fresh {
		i := missIdx[j]
		vectors[i] = vector
		key := utils.HashText(c.inner.Name(), texts[i])
		if err := c.cache.SetEmbedding(ctx, key, vector); err != nil {
			logger.Debug("Embedding cache write failed", zap.Error(err))
		}
	}

	return vectors, nil
}
