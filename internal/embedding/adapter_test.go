package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name      string
	available bool
	dimension int
	returnDim int
	calls     int
	lastTexts []string
}

func (f *fakeAdapter) Name() string                         { return f.name }
func (f *fakeAdapter) Available(ctx context.Context) bool   { return f.available }
func (f *fakeAdapter) Dimension() int                       { return f.dimension }
func (f *fakeAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.lastTexts = texts
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, f.returnDim)
		out[i][0] = float32(i + 1)
	}
	return out, nil
}

type memCache struct {
	store map[string][]float32
}

func (m *memCache) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	v, ok := m.store[key]
	return v, ok, nil
}

func (m *memCache) SetEmbedding(ctx context.Context, key string, vector []float32) error {
	m.store[key] = vector
	return nil
}

func TestRegistrySelectsFirstAvailable(t *testing.T) {
	down := &fakeAdapter{name: "openai", available: false}
	up := &fakeAdapter{name: "local", available: true, dimension: 8, returnDim: 8}

	adapter, err := NewRegistry(down, up).Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local", adapter.Name())
}

func TestRegistryNoAdapter(t *testing.T) {
	_, err := NewRegistry(&fakeAdapter{name: "openai"}).Select(context.Background())
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestValidateRejectsDimensionMismatch(t *testing.T) {
	bad := &fakeAdapter{name: "local", available: true, dimension: 1536, returnDim: 768}

	err := NewRegistry(bad).Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "768")
}

func TestValidatePassesMatchingDimension(t *testing.T) {
	good := &fakeAdapter{name: "local", available: true, dimension: 8, returnDim: 8}

	require.NoError(t, NewRegistry(good).Validate(context.Background()))
}

func TestValidateToleratesUnreachableBackend(t *testing.T) {
	// an unreachable backend degrades jobs but never blocks startup
	down := &fakeAdapter{name: "openai", available: false}

	require.NoError(t, NewRegistry(down).Validate(context.Background()))
}

func TestCachedAdapterSkipsBackendOnHit(t *testing.T) {
	inner := &fakeAdapter{name: "local", available: true, dimension: 4, returnDim: 4}
	cache := &memCache{store: make(map[string][]float32)}
	adapter := WithCache(inner, cache)
	ctx := context.Background()

	first, err := adapter.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, inner.calls)

	// second round: one hit, one new text
	second, err := adapter.Embed(ctx, []string{"alpha", "gamma"})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, []string{"gamma"}, inner.lastTexts)
	assert.Equal(t, first[0], second[0])
}

type errCache struct{}

func (errCache) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	return nil, false, errors.New("redis down")
}

func (errCache) SetEmbedding(ctx context.Context, key string, vector []float32) error {
	return errors.New("redis down")
}

func TestCachedAdapterToleratesCacheErrors(t *testing.T) {
	inner := &fakeAdapter{name: "local", available: true, dimension: 4, returnDim: 4}
	adapter := WithCache(inner, errCache{})

	vectors, err := adapter.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, 1, inner.calls)
}
