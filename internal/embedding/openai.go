package embedding

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/pkg/circuitbreaker"
	"github.com/studygraph/backend/pkg/logger"
	"github.com/studygraph/backend/pkg/retry"
)

const embedBatchSize = 100

// openaiAdapter serves both the hosted API and any OpenAI-compatible local
// server (ollama, llama.cpp, vllm) via BaseURL.
type openaiAdapter struct {
	name        string
	client      *openai.Client
	model       string
	dimension   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

func newOpenAIAdapter(name string, cfg OpenAIConfig) Adapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &openaiAdapter{
		name:      name,
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		timeout:   timeout,
		cb: circuitbreaker.NewCircuitBreaker("embedding-"+name, circuitbreaker.Config{
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          15 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

// NewOpenAI builds the remote adapter against the hosted API.
func NewOpenAI(cfg OpenAIConfig) Adapter {
	return newOpenAIAdapter("openai", cfg)
}

// NewLocal builds an adapter against an OpenAI-compatible local endpoint.
func NewLocal(cfg OpenAIConfig) Adapter {
	return newOpenAIAdapter("local", cfg)
}

func (a *openaiAdapter) Name() string { return a.name }

func (a *openaiAdapter) Dimension() int { return a.dimension }

func (a *openaiAdapter) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.client.ListModels(ctx)
	if err != nil {
		logger.Debug("Embedding backend probe failed",
			zap.String("adapter", a.name),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (a *openaiAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	var embeddings [][]float32

	for i := 0; i < len(texts); i += embedBatchSize {
		end := i + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		batchCtx, cancel := context.WithTimeout(ctx, a.timeout)
		err := a.cb.Execute(batchCtx, func() error {
			return retry.Do(batchCtx, a.retryConfig, func() error {
				resp, err := a.client.CreateEmbeddings(
					batchCtx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(a.model),
					},
				)
				if err != nil {
					return fmt.Errorf("failed to generate embeddings: %w", err)
				}
				if len(resp.Data) != len(batch) {
					return fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(batch))
				}

				for _, data := range resp.Data {
					vector := make([]float32, len(data.Embedding))
					copy(vector, data.Embedding)
					embeddings = append(embeddings, vector)
				}

				return nil
			})
		})
		cancel()
		if err != nil {
			return nil, err
		}
	}

	metrics.EmbeddingDuration.WithLabelValues(a.name).Observe(time.Since(start).Seconds())
	logger.Debug("Embeddings generated",
		zap.String("adapter", a.name),
		zap.Int("count", len(embeddings)),
	)

	return embeddings, nil
}
