package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	inner *LocalProvider
	calls int
}

func (c *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, texts)
}

func (c *countingProvider) Dimensions() int { return c.inner.Dimensions() }
func (c *countingProvider) Model() string   { return c.inner.Model() }

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(a, c), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestServiceCachesByContent(t *testing.T) {
	provider := &countingProvider{inner: NewLocalProvider(64)}
	svc := NewService(provider)

	first, err := svc.EmbedOne(context.Background(), "list the files")
	require.NoError(t, err)
	second, err := svc.EmbedOne(context.Background(), "list the files")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.calls)
}

func TestServiceWithoutProvider(t *testing.T) {
	svc := NewService(nil)
	assert.False(t, svc.HasProvider())

	_, err := svc.EmbedOne(context.Background(), "anything")
	assert.Error(t, err)
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider(128)
	ctx := context.Background()

	a, err := p.Embed(ctx, []string{"read config.yaml"})
	require.NoError(t, err)
	b, err := p.Embed(ctx, []string{"read config.yaml"})
	require.NoError(t, err)
	assert.Equal(t, a[0], b[0])

	// Identical texts are maximally similar, unrelated texts are not
	c, err := p.Embed(ctx, []string{"restart the database server"})
	require.NoError(t, err)
	same := CosineSimilarity(a[0], b[0])
	diff := CosineSimilarity(a[0], c[0])
	assert.InDelta(t, 1.0, same, 1e-6)
	assert.Less(t, diff, same)
}
