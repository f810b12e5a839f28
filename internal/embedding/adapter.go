package embedding

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/studygraph/backend/pkg/logger"
)

// ErrNoAdapter is returned when no configured embedding backend is
// reachable.
var ErrNoAdapter = errors.New("no embedding adapter available")

// Adapter produces fixed-dimension vectors for text. Implementations wrap a
// remote API or a local model server.
type Adapter interface {
	Name() string
	Available(ctx context.Context) bool
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Selector yields the adapter to use for a unit of work. The pipeline
// re-selects per job so a backend that comes back mid-flight is picked up
// without a restart.
type Selector interface {
	Select(ctx context.Context) (Adapter, error)
}

// Registry holds adapters in preference order and selects the first one
// that answers its health probe.
type Registry struct {
	adapters []Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

func (r *Registry) Select(ctx context.Context) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Available(ctx) {
			logger.Info("Selected embedding adapter",
				zap.String("adapter", a.Name()),
				zap.Int("dimension", a.Dimension()),
			)
			return a, nil
		}
		logger.Warn("Embedding adapter unavailable", zap.String("adapter", a.Name()))
	}
	return nil, ErrNoAdapter
}

// Validate embeds a probe string through every reachable adapter and checks
// the returned dimensions. Run at startup: a wrong dimension is a
// misconfiguration that would poison the vector index and is an error, while
// an unreachable backend is only logged, since jobs re-select adapters and
// degrade per chunk when none answers.
func (r *Registry) Validate(ctx context.Context) error {
	for _, adapter := range r.adapters {
		if !adapter.Available(ctx) {
			logger.Warn("Embedding adapter unreachable at startup", zap.String("adapter", adapter.Name()))
			continue
		}

		vectors, err := adapter.Embed(ctx, []string{"embedding dimension probe"})
		if err != nil {
			logger.Warn("Embedding probe failed",
				zap.String("adapter", adapter.Name()),
				zap.Error(err),
			)
			continue
		}
		if len(vectors) != 1 || len(vectors[0]) != adapter.Dimension() {
			got := 0
			if len(vectors) == 1 {
				got = len(vectors[0])
			}
			return fmt.Errorf("adapter %s returned dimension %d, expected %d",
				adapter.Name(), got, adapter.Dimension())
		}
	}
	return nil
}
