package ai

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	mu    sync.Mutex
	seen  []string
	model string
}

func (e *countingEmbedder) ModelName() string {
	if e.model == "" {
		return "counting-model"
	}
	return e.model
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.seen = append(e.seen, texts...)
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text))}
	}
	return out, nil
}

func TestLRUCacheForwardsOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{}
	cached := WrapLRUCache(inner, 128, time.Minute)

	first, err := cached.EmbedBatch(context.Background(), []string{"aa", "bbb"})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := cached.EmbedBatch(context.Background(), []string{"aa", "cccc", "bbb"})
	require.NoError(t, err)
	require.Len(t, second, 3)
	require.Equal(t, float32(2), second[0][0])
	require.Equal(t, float32(4), second[1][0])
	require.Equal(t, float32(3), second[2][0])

	// Only the miss went to the provider on the second call.
	require.Equal(t, []string{"aa", "bbb", "cccc"}, inner.seen)
}

func TestLRUCacheReturnsCopies(t *testing.T) {
	inner := &countingEmbedder{}
	cached := WrapLRUCache(inner, 128, time.Minute)

	first, err := cached.EmbedBatch(context.Background(), []string{"aa"})
	require.NoError(t, err)
	first[0][0] = 999

	second, err := cached.EmbedBatch(context.Background(), []string{"aa"})
	require.NoError(t, err)
	require.Equal(t, float32(2), second[0][0])
}

func TestWrapLRUCacheDisabled(t *testing.T) {
	inner := &countingEmbedder{}
	require.Equal(t, Embedder(inner), WrapLRUCache(inner, 0, time.Minute))
	require.Equal(t, Embedder(inner), WrapLRUCache(inner, 10, 0))
}
